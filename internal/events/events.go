// Package events publishes audit events for OAuth lifecycle transitions.
package events

import (
	"context"
	"time"
)

const (
	ClientRegistered       = "client.registered"
	AuthorizationCompleted = "authorization.completed"
	TokenIssued            = "token.issued"
	TokenRefreshed         = "token.refreshed"
)

// Event is an audit record. It never carries credentials.
type Event struct {
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	ClientID   string            `json:"client_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType, clientID, userID string) Event {
	return Event{
		Type:     eventType,
		Time:     time.Now().UTC(),
		ClientID: clientID,
		UserID:   userID,
	}
}

// With returns a copy of the event with one extra attribute.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
