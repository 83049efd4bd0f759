package push

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/schema"
)

// Broadcaster is implemented by Hub.
type Broadcaster interface {
	Publish(ctx context.Context, scope Scope, env Envelope) error
}

// Publisher turns authority events into scoped envelopes.
type Publisher struct {
	hub    Broadcaster
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher over hub.
func NewPublisher(hub Broadcaster, logger *zap.Logger) *Publisher {
	return &Publisher{hub: hub, logger: logging.OrNop(logger), now: time.Now}
}

// RecordChanged announces a committed version to the record's branch, or to
// everyone when the record has no branch.
func (p *Publisher) RecordChanged(ctx context.Context, r *schema.Record) {
	scope := Global()
	if r.Branch != "" {
		scope = ToBranches(r.Branch)
	}
	p.publish(ctx, scope, TypeResourceChanged, ResourceChanged{
		ID:        r.ID,
		Status:    string(r.Status),
		Version:   r.Version,
		Branch:    r.Branch,
		Timestamp: p.now().UTC(),
	})
}

// AssignmentChanged tells the assignee about a record assigned to them.
func (p *Publisher) AssignmentChanged(ctx context.Context, r *schema.Record, assignee string) {
	if assignee == "" {
		return
	}
	p.publish(ctx, ToSubject(assignee), TypeAssignmentChanged, AssignmentChanged{
		ID:        r.ID,
		Assignee:  assignee,
		Timestamp: p.now().UTC(),
	})
}

// Notify sends a notification to one subject.
func (p *Publisher) Notify(ctx context.Context, subject string, n Notification) {
	p.publish(ctx, ToSubject(subject), TypeNotification, n)
}

// ForceRefresh asks clients in scopes (all clients when empty) to reconcile.
func (p *Publisher) ForceRefresh(ctx context.Context, scopes []string) {
	scope := Global()
	if len(scopes) > 0 {
		scope = ToBranches(scopes...)
	}
	p.publish(ctx, scope, TypeRefreshForce, RefreshForce{Scopes: scopes})
}

func (p *Publisher) publish(ctx context.Context, scope Scope, t EventType, payload any) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		p.logger.Error("failed to build envelope", logging.Event(string(t)), zap.Error(err))
		return
	}
	// Push is best effort; a failed relay is logged and forgotten.
	if err := p.hub.Publish(ctx, scope, env); err != nil {
		p.logger.Warn("failed to publish", logging.Event(string(t)), zap.Error(err))
	}
}
