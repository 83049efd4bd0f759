// Package schema defines the records and write intents exchanged between
// field clients and the server authority.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an order record.
type Status string

const (
	StatusNew        Status = "new"
	StatusAssigned   Status = "assigned"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusAssigned, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Record is a versioned business entity (an order).
//
// Version is owned by the server authority. A client may propose Version+1 in
// a write but never stores a self-assigned version; only a server response
// moves Version forward in the local store.
type Record struct {
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Status  Status         `json:"status"`
	Branch  string         `json:"branch,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// LocalUpdatedAt is set by optimistic client writes only.
	LocalUpdatedAt *time.Time `json:"localUpdatedAt,omitempty"`

	// SyncedAt is the server commit time of this version.
	SyncedAt *time.Time `json:"syncedAt,omitempty"`
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.ID) > 128 {
		return fmt.Errorf("id must be 128 characters or less (got %d)", len(r.ID))
	}
	if r.Version < 0 {
		return fmt.Errorf("version cannot be negative (got %d)", r.Version)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", r.Status)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Payload != nil {
		out.Payload = clonePayload(r.Payload)
	}
	if r.LocalUpdatedAt != nil {
		t := *r.LocalUpdatedAt
		out.LocalUpdatedAt = &t
	}
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		out.SyncedAt = &t
	}
	return &out
}

// IsOptimistic reports whether the record carries an unconfirmed local write.
func (r *Record) IsOptimistic() bool {
	return r.LocalUpdatedAt != nil
}

// Project returns the optimistic projection of p onto r. The version is left
// untouched; the result is marked with LocalUpdatedAt=now.
func (r *Record) Project(p Patch, now time.Time) *Record {
	out := r.Clone()
	if p.Status != "" {
		out.Status = p.Status
	}
	if len(p.Payload) > 0 {
		if out.Payload == nil {
			out.Payload = make(map[string]any, len(p.Payload))
		}
		for k, v := range p.Payload {
			if v == nil {
				delete(out.Payload, k)
				continue
			}
			out.Payload[k] = v
		}
	}
	ts := now.UTC()
	out.LocalUpdatedAt = &ts
	return out
}

// Encode serializes the record for storage.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a stored record.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return &r, nil
}

// Assignee returns the payload's assignee field, if any.
func (r *Record) Assignee() string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload["assignee"].(string)
	return s
}

func clonePayload(in map[string]any) map[string]any {
	// JSON round trip keeps nested maps and slices independent.
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}
