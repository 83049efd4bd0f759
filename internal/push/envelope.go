// Package push implements the real-time invalidation channel: typed JSON
// envelopes over WebSocket, a server hub with scoped fan-out, and a client
// that reconnects with bounded exponential backoff.
//
// Delivery is at-most-once and not durable. A subscriber that misses an
// event converges through the next full reconciliation.
package push

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an envelope's payload.
type EventType string

const (
	TypeConnected         EventType = "connected"
	TypeAuth              EventType = "auth"
	TypeResourceChanged   EventType = "resource.changed"
	TypeAssignmentChanged EventType = "assignment.changed"
	TypeNotification      EventType = "notification"
	TypeRefreshForce      EventType = "refresh.force"
	TypePing              EventType = "ping"
	TypePong              EventType = "pong"
	TypeError             EventType = "error"
)

// Envelope is the wire frame: {"type": ..., "payload": {...}}.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t. A nil payload
// yields an envelope without one.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", e.Type, err)
	}
	return nil
}

// Connected acknowledges a successful handshake.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// Auth carries a bearer token when the client authenticates in-band.
type Auth struct {
	Token string `json:"token"`
}

// ResourceChanged announces a committed record version.
type ResourceChanged struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	Branch    string    `json:"branch,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AssignmentChanged tells a subject a record was assigned to them.
type AssignmentChanged struct {
	ID        string    `json:"id"`
	Assignee  string    `json:"assignee"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a user-facing message.
type Notification struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// RefreshForce asks clients to reconcile. Empty Scopes means everyone.
type RefreshForce struct {
	Scopes []string `json:"scopes,omitempty"`
}

// AppliesTo reports whether a client in branch should act on the refresh.
func (r RefreshForce) AppliesTo(branch string) bool {
	if len(r.Scopes) == 0 {
		return true
	}
	for _, s := range r.Scopes {
		if s == branch {
			return true
		}
	}
	return false
}

// Pong answers a ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload explains why the server is closing the connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
