package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
)

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	// NoticeConflict: a write lost to a newer server version and the record
	// was refreshed. Passive.
	NoticeConflict NoticeKind = "conflict"
	// NoticeRejected: the authority permanently refused a write.
	NoticeRejected NoticeKind = "rejected"
	// NoticeExhausted: a write ran out of retries and waits for a manual
	// retry.
	NoticeExhausted NoticeKind = "exhausted"
	// NoticeAuth: credentials were refused; syncing is paused.
	NoticeAuth NoticeKind = "auth"
	// NoticePushLost: the push channel gave up reconnecting.
	NoticePushLost NoticeKind = "push_lost"
	// NoticeMessage: a notification sent by the server.
	NoticeMessage NoticeKind = "message"
)

// Notice is something the user should be told about.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	OpID     string     `json:"opId,omitempty"`
	RecordID string     `json:"recordId,omitempty"`
	Action   string     `json:"action,omitempty"`
	Message  string     `json:"message"`
	At       time.Time  `json:"at"`
}

// Notifier is the UI sink. Only conflicts, permanent failures, exhausted
// retries, auth pauses and a lost push channel reach it.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notice) {
	logging.OrNop(l.Logger).Warn(n.Message,
		zap.String("notice", string(n.Kind)),
		logging.OpID(n.OpID),
		logging.RecordID(n.RecordID))
}
