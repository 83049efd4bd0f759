package engine

// State is the sync session state.
type State string

const (
	// StateDisconnected: the authority is unreachable. Submissions are still
	// accepted and queued.
	StateDisconnected State = "disconnected"
	// StateDraining: online and delivering queued ops.
	StateDraining State = "draining"
	// StateIdle: online with nothing left to deliver.
	StateIdle State = "idle"
	// StatePaused: the authority refused our credentials. Ops stay queued
	// until re-authentication.
	StatePaused State = "paused"
)

// Event drives state transitions.
type Event string

const (
	EventOnline          Event = "online"
	EventOffline         Event = "offline"
	EventEnqueued        Event = "enqueued"
	EventQueueEmpty      Event = "queue_empty"
	EventAuthFailed      Event = "auth_failed"
	EventReauthenticated Event = "reauthenticated"
)

// Transition returns the state that follows s on e. It is defined for every
// pair; events that do not apply leave the state unchanged.
func Transition(s State, e Event) State {
	switch e {
	case EventOffline:
		return StateDisconnected
	case EventOnline:
		if s == StateDisconnected {
			return StateDraining
		}
	case EventEnqueued:
		if s == StateIdle {
			return StateDraining
		}
	case EventQueueEmpty:
		if s == StateDraining {
			return StateIdle
		}
	case EventAuthFailed:
		if s == StateDraining || s == StateIdle {
			return StatePaused
		}
	case EventReauthenticated:
		if s == StatePaused {
			return StateDraining
		}
	}
	return s
}
