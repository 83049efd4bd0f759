package logging

import "go.uber.org/zap"

// Canonical field names, kept in one place so entries stay greppable.
const (
	KeyOpID        = "op_id"
	KeyRecordID    = "record_id"
	KeyVersion     = "version"
	KeyConnID      = "conn_id"
	KeySubject     = "subject"
	KeyBranch      = "branch"
	KeyEvent       = "event"
	KeyState       = "state"
	KeyAttempt     = "attempt"
	KeyCollection  = "collection"
	KeyErrorKind   = "error_kind"
	KeySubscribers = "subscribers"
)

func OpID(v string) zap.Field       { return zap.String(KeyOpID, v) }
func RecordID(v string) zap.Field   { return zap.String(KeyRecordID, v) }
func Version(v int64) zap.Field     { return zap.Int64(KeyVersion, v) }
func ConnID(v string) zap.Field     { return zap.String(KeyConnID, v) }
func Subject(v string) zap.Field    { return zap.String(KeySubject, v) }
func Branch(v string) zap.Field     { return zap.String(KeyBranch, v) }
func Event(v string) zap.Field      { return zap.String(KeyEvent, v) }
func State(v string) zap.Field      { return zap.String(KeyState, v) }
func Attempt(v int) zap.Field       { return zap.Int(KeyAttempt, v) }
func Collection(v string) zap.Field { return zap.String(KeyCollection, v) }
func ErrorKind(v string) zap.Field  { return zap.String(KeyErrorKind, v) }
func Subscribers(v int) zap.Field   { return zap.Int(KeySubscribers, v) }
