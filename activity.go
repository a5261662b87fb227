package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess         ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure         ActivityEventType = "auth.login.failure"
	ActivityEventAccountLocked        ActivityEventType = "auth.account.locked"
	ActivityEventTokenRefreshed       ActivityEventType = "auth.refresh.success"
	ActivityEventRefreshFailure       ActivityEventType = "auth.refresh.failure"
	ActivityEventRefreshReuseDetected ActivityEventType = "auth.refresh.reuse_detected"
	ActivityEventLogout               ActivityEventType = "auth.logout"
	ActivityEventAccessTokenRevoked   ActivityEventType = "auth.token.revoked"
	ActivityEventUserSoftDeleted      ActivityEventType = "user.soft_deleted"
	ActivityEventUserRegistered       ActivityEventType = "user.registered"
	ActivityEventEmailVerified        ActivityEventType = "user.email.verified"
	ActivityEventPasswordResetRequest ActivityEventType = "auth.password.reset_requested"
	ActivityEventPasswordResetSuccess ActivityEventType = "auth.password.reset"
	ActivityEventBlacklistPruned      ActivityEventType = "auth.blacklist.pruned"
)

// ActorRef identifies who triggered an event.
type ActorRef struct {
	ID   string
	Type string
}

var systemActor = ActorRef{ID: "system", Type: "system"}

func userActor(user *User) ActorRef {
	if user == nil {
		return ActorRef{Type: "anonymous"}
	}
	return ActorRef{ID: user.ID.String(), Type: "user"}
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// MultiActivitySink fans events out to every sink, returning the first error.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		logger.Warn("activity sink error", "event", string(event.EventType), "error", err)
	}
}
