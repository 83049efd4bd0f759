package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// ExportedOp is the operator-facing view of a queued op.
type ExportedOp struct {
	OpID            string         `json:"opId" yaml:"op_id"`
	Seq             int64          `json:"seq" yaml:"seq"`
	Action          string         `json:"action,omitempty" yaml:"action,omitempty"`
	TargetID        string         `json:"targetId" yaml:"target_id"`
	ExpectedVersion int64          `json:"expectedVersion" yaml:"expected_version"`
	State           schema.OpState `json:"state" yaml:"state"`
	RetryCount      int            `json:"retryCount" yaml:"retry_count"`
	CreatedAt       time.Time      `json:"createdAt" yaml:"created_at"`
	NextAttemptAt   *time.Time     `json:"nextAttemptAt,omitempty" yaml:"next_attempt_at,omitempty"`
	LastError       string         `json:"lastError,omitempty" yaml:"last_error,omitempty"`
	Status          schema.Status  `json:"status,omitempty" yaml:"status,omitempty"`
	Payload         map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func exported(op *schema.MutationOp) ExportedOp {
	out := ExportedOp{
		OpID:            op.OpID,
		Seq:             op.Seq,
		Action:          op.Action,
		TargetID:        op.TargetID,
		ExpectedVersion: op.ExpectedVersion,
		State:           op.State,
		RetryCount:      op.RetryCount,
		CreatedAt:       op.CreatedAt,
		LastError:       op.LastError,
		Status:          op.Body.Status,
		Payload:         op.Body.Payload,
	}
	if !op.NextAttemptAt.IsZero() {
		t := op.NextAttemptAt
		out.NextAttemptAt = &t
	}
	return out
}

// Export writes the whole log to w as "json" or "yaml".
func (q *Queue) Export(ctx context.Context, w io.Writer, format string) error {
	ops, err := q.List(ctx)
	if err != nil {
		return err
	}
	out := make([]ExportedOp, 0, len(ops))
	for _, op := range ops {
		out = append(out, exported(op))
	}

	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode queue as json: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode queue as yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush yaml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported export format %q (use json or yaml)", format)
	}
	return nil
}
