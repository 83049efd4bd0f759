// Package metrics defines observability hooks for the sync engine, the
// authority and the push hub.
package metrics

import "time"

// Outcome enumerates dispatch result categories for counters.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeConflict  Outcome = "conflict"
	OutcomeRetry     Outcome = "retry"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeAuth      Outcome = "auth"
)

// Recorder receives metric observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	SetQueueDepth(n int)
	IncDispatch(outcome Outcome)
	ObserveDispatchDuration(d time.Duration)
	IncReconcile(success bool)
	IncAuthorityWrite(result string)
	SetHubConnections(n int)
	IncBroadcast(eventType string)
	AddBroadcastDropped(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) SetQueueDepth(int)                     {}
func (NoopRecorder) IncDispatch(Outcome)                   {}
func (NoopRecorder) ObserveDispatchDuration(time.Duration) {}
func (NoopRecorder) IncReconcile(bool)                     {}
func (NoopRecorder) IncAuthorityWrite(string)              {}
func (NoopRecorder) SetHubConnections(int)                 {}
func (NoopRecorder) IncBroadcast(string)                   {}
func (NoopRecorder) AddBroadcastDropped(int)               {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
