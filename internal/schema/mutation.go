package schema

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpState is the lifecycle state of a queued mutation.
type OpState string

const (
	OpPending  OpState = "pending"
	OpInflight OpState = "inflight"
	OpDone     OpState = "done"
	OpFailed   OpState = "failed"
)

// Patch is the write body sent to the server authority.
type Patch struct {
	ExpectedVersion int64          `json:"expectedVersion" validate:"gte=0"`
	Status          Status         `json:"status,omitempty" validate:"omitempty,oneof=new assigned confirmed in_progress completed cancelled"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == "" && len(p.Payload) == 0
}

// MutationOp is a queued write intent.
type MutationOp struct {
	// OpID is generated by the client and doubles as the idempotency key.
	OpID string `json:"opId"`

	// Seq fixes the op's position in insertion order.
	Seq int64 `json:"seq"`

	Method   string `json:"method"`
	TargetID string `json:"targetId"`
	Body     Patch  `json:"body"`

	// ExpectedVersion is the version the op's change is based on: the
	// confirmed version when the op was created, moved forward when an
	// earlier op of the same record is acknowledged.
	ExpectedVersion int64 `json:"expectedVersion"`

	// Action is a human label ("assign", "confirm") used in user notices.
	Action string `json:"action,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	RetryCount    int       `json:"retryCount"`
	State         OpState   `json:"state"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// Validate checks if the MutationOp is well formed.
func (m *MutationOp) Validate() error {
	if m.OpID == "" {
		return fmt.Errorf("opId is required")
	}
	if m.TargetID == "" {
		return fmt.Errorf("targetId is required")
	}
	if m.Method != http.MethodPatch {
		return fmt.Errorf("unsupported method: %q", m.Method)
	}
	if m.ExpectedVersion < 0 {
		return fmt.Errorf("expectedVersion cannot be negative (got %d)", m.ExpectedVersion)
	}
	if m.Body.Status != "" && !m.Body.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", m.Body.Status)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	return nil
}

// Label returns a short description for notices and logs.
func (m *MutationOp) Label() string {
	action := m.Action
	if action == "" {
		action = "update"
	}
	return fmt.Sprintf("%s %s", action, m.TargetID)
}

// WireBody returns the body with ExpectedVersion filled from the op.
func (m *MutationOp) WireBody() Patch {
	b := m.Body
	b.ExpectedVersion = m.ExpectedVersion
	return b
}

// EncodeOp serializes an op for the durable log.
func EncodeOp(m *MutationOp) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal op %s: %w", m.OpID, err)
	}
	return data, nil
}

// DecodeOp parses an op from the durable log.
func DecodeOp(data []byte) (*MutationOp, error) {
	var m MutationOp
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse op: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid op: %w", err)
	}
	return &m, nil
}
