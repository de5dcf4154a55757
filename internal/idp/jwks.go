package idp

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/cache"
)

const (
	keyTTL             = 24 * time.Hour
	minRefreshInterval = time.Minute
)

// keySet resolves RSA signing keys by kid from a JWKS endpoint. Keys are
// cached; an unknown kid triggers at most one refetch per minRefreshInterval.
type keySet struct {
	url        string
	httpClient *http.Client
	keys       *cache.Cache[*rsa.PublicKey]
	logger     *zap.Logger

	mu          sync.Mutex
	lastRefresh time.Time
}

func newKeySet(url string, httpClient *http.Client, logger *zap.Logger) *keySet {
	return &keySet{
		url:        url,
		httpClient: httpClient,
		keys:       cache.New[*rsa.PublicKey](),
		logger:     logger,
	}
}

// get retrieves a public key by kid
func (k *keySet) get(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := k.keys.Get(kid); ok {
		return key, nil
	}

	if err := k.refresh(ctx); err != nil {
		return nil, err
	}

	if key, ok := k.keys.Get(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("public key not found for kid: %s", kid)
}

// refresh fetches the latest public keys from the JWKS endpoint
func (k *keySet) refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.lastRefresh.IsZero() && time.Since(k.lastRefresh) < minRefreshInterval {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	loaded := 0
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		pub, err := rsaPublicKey(key.N, key.E)
		if err != nil {
			k.logger.Debug("Skipping malformed JWKS key", zap.String("kid", key.Kid), zap.Error(err))
			continue
		}
		k.keys.Set(key.Kid, pub, keyTTL)
		loaded++
	}
	k.keys.Prune()
	k.lastRefresh = time.Now()

	k.logger.Debug("Refreshed IdP signing keys", zap.Int("keys", loaded))
	return nil
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}

	var eInt int
	for _, b := range eBytes {
		eInt = eInt<<8 + int(b)
	}
	if eInt == 0 {
		return nil, fmt.Errorf("exponent is zero")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: eInt,
	}, nil
}
