package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

const (
	azureDataProperty      = "data"
	azureExpiresAtProperty = "expiresAt"
)

// AzureService is a Service backed by Azure Table Storage.
type AzureService struct {
	client *aztables.ServiceClient
}

// NewAzureService connects to a storage account using a connection string.
func NewAzureService(connectionString string) (*AzureService, error) {
	client, err := aztables.NewServiceClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create table service client: %w", err)
	}
	return &AzureService{client: client}, nil
}

// Table returns a handle on one table. No request is made.
func (s *AzureService) Table(name string) Table {
	return &azureTable{name: name, client: s.client.NewClient(name)}
}

// Ping reads the service properties to confirm the account is reachable.
func (s *AzureService) Ping(ctx context.Context) error {
	if _, err := s.client.GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("failed to reach table service: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (s *AzureService) Close() error {
	return nil
}

type azureTable struct {
	name   string
	client *aztables.Client
}

func (t *azureTable) Name() string { return t.name }

func (t *azureTable) CreateIfNotExists(ctx context.Context) error {
	_, err := t.client.CreateTable(ctx, nil)
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict && respErr.ErrorCode == "TableAlreadyExists" {
		return nil
	}
	return fmt.Errorf("failed to create table %s: %w", t.name, err)
}

func (t *azureTable) GetEntity(ctx context.Context, partitionKey, rowKey string) (*Entity, error) {
	resp, err := t.client.GetEntity(ctx, partitionKey, rowKey, nil)
	if err != nil {
		return nil, mapAzureError(err)
	}

	var edm aztables.EDMEntity
	if err := json.Unmarshal(resp.Value, &edm); err != nil {
		return nil, fmt.Errorf("failed to decode entity from %s: %w", t.name, err)
	}

	entity := &Entity{
		PartitionKey: edm.PartitionKey,
		RowKey:       edm.RowKey,
		ETag:         string(resp.ETag),
	}
	if data, ok := edm.Properties[azureDataProperty].(string); ok {
		entity.Data = data
	}
	expiresAt, err := int64Property(edm.Properties[azureExpiresAtProperty])
	if err != nil {
		return nil, fmt.Errorf("invalid %s on %s/%s: %w", azureExpiresAtProperty, t.name, rowKey, err)
	}
	entity.ExpiresAt = expiresAt
	return entity, nil
}

func (t *azureTable) UpsertEntity(ctx context.Context, entity Entity) error {
	edm := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: entity.PartitionKey,
			RowKey:       entity.RowKey,
		},
		Properties: map[string]any{
			azureDataProperty:      entity.Data,
			azureExpiresAtProperty: aztables.EDMInt64(entity.ExpiresAt),
		},
	}
	payload, err := json.Marshal(edm)
	if err != nil {
		return fmt.Errorf("failed to encode entity for %s: %w", t.name, err)
	}

	mode := aztables.UpdateModeReplace
	if _, err := t.client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: mode}); err != nil {
		return mapAzureError(err)
	}
	return nil
}

func (t *azureTable) DeleteEntity(ctx context.Context, partitionKey, rowKey, etag string) error {
	var opts *aztables.DeleteEntityOptions
	if etag != "" {
		match := azcore.ETag(etag)
		opts = &aztables.DeleteEntityOptions{IfMatch: &match}
	}
	if _, err := t.client.DeleteEntity(ctx, partitionKey, rowKey, opts); err != nil {
		return mapAzureError(err)
	}
	return nil
}

func mapAzureError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrEntityNotFound, respErr.ErrorCode)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %s", ErrConditionNotMet, respErr.ErrorCode)
		}
	}
	return err
}

// int64Property accepts the shapes an Int64 property can decode to.
func int64Property(v any) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case aztables.EDMInt64:
		return int64(val), nil
	case int64:
		return val, nil
	case int32:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
