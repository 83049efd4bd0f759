// Package syncerr defines the failure taxonomy of the sync engine and
// classifies arbitrary errors into it.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the handling class of a failure.
type Kind int

const (
	// KindUnknown is treated like KindNetwork by the queue: retry with backoff.
	KindUnknown Kind = iota
	// KindNetwork is retryable (timeouts, connection errors, 5xx).
	KindNetwork
	// KindConflict is a stale expectedVersion (409). Never retried as-is.
	KindConflict
	// KindValidation is a permanent rejection (4xx other than 401/403/409).
	KindValidation
	// KindAuth pauses draining until re-authentication succeeds.
	KindAuth
	// KindCorrupt is a stored entry that cannot be decoded.
	KindCorrupt
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Retryable reports whether the queue should back off and try again.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindUnknown
}

// NetworkError is a transient transport or server failure.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// VersionConflict signals that the submitted expectedVersion is stale.
type VersionConflict struct {
	RecordID        string
	ExpectedVersion int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s: expected version %d is stale", e.RecordID, e.ExpectedVersion)
}

// ValidationError is a permanent rejection of a write.
type ValidationError struct {
	RecordID   string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("write to %s rejected (%d): %s", e.RecordID, e.StatusCode, e.Message)
}

// AuthError means the presented credentials were refused.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication refused (%d): %s", e.StatusCode, e.Message)
}

// CorruptLocalRecordError is a stored record or op that fails to decode.
type CorruptLocalRecordError struct {
	Collection string
	Key        string
	Err        error
}

func (e *CorruptLocalRecordError) Error() string {
	return fmt.Sprintf("corrupt entry %s/%s: %v", e.Collection, e.Key, e.Err)
}

func (e *CorruptLocalRecordError) Unwrap() error { return e.Err }

// ErrNotFound is returned by stores and the authority for unknown ids.
var ErrNotFound = errors.New("not found")

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		conflict   *VersionConflict
		validation *ValidationError
		auth       *AuthError
		corrupt    *CorruptLocalRecordError
		network    *NetworkError
		netErr     net.Error
	)

	switch {
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &auth):
		return KindAuth
	case errors.As(err, &corrupt):
		return KindCorrupt
	case errors.As(err, &network):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// FromStatus builds the error matching an HTTP status returned by the
// authority for a write to recordID. It returns nil for 2xx.
func FromStatus(recordID string, expectedVersion int64, status int, message string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 409:
		return &VersionConflict{RecordID: recordID, ExpectedVersion: expectedVersion}
	case status == 401 || status == 403:
		return &AuthError{StatusCode: status, Message: message}
	case status == 408 || status == 429:
		return &NetworkError{Op: "write " + recordID, StatusCode: status, Err: errors.New(message)}
	case status >= 400 && status < 500:
		return &ValidationError{RecordID: recordID, StatusCode: status, Message: message}
	default:
		return &NetworkError{Op: "write " + recordID, StatusCode: status, Err: errors.New(message)}
	}
}
