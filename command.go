package auth

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
)

const (
	DefaultEmailVerificationTTL = 24 * time.Hour
	DefaultPasswordResetTTL     = time.Hour
	commandTimeout              = 10 * time.Second
)

// commandDeps is shared by the account command handlers.
type commandDeps struct {
	repo            RepositoryManager
	hasher          PasswordHasher
	notifier        Notifier
	activity        ActivitySink
	logger          Logger
	clock           Clock
	verificationTTL time.Duration
	resetTTL        time.Duration
}

// CommandOption configures an account command handler.
type CommandOption func(*commandDeps)

// WithCommandClock sets the clock used for token expiry.
func WithCommandClock(clock Clock) CommandOption {
	return func(d *commandDeps) {
		d.clock = clock
	}
}

// WithCommandHasher overrides the password hasher.
func WithCommandHasher(h PasswordHasher) CommandOption {
	return func(d *commandDeps) {
		if h != nil {
			d.hasher = h
		}
	}
}

// WithCommandNotifier sets where verification and reset emails go.
func WithCommandNotifier(n Notifier) CommandOption {
	return func(d *commandDeps) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithCommandActivitySink sets the sink for account events.
func WithCommandActivitySink(sink ActivitySink) CommandOption {
	return func(d *commandDeps) {
		d.activity = normalizeActivitySink(sink)
	}
}

// WithCommandLogger overrides the logger.
func WithCommandLogger(logger Logger) CommandOption {
	return func(d *commandDeps) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithCommandConfig reads token lifetimes from cfg.
func WithCommandConfig(cfg Config) CommandOption {
	return func(d *commandDeps) {
		if cfg == nil {
			return
		}
		if ttl := cfg.GetEmailVerificationTTL(); ttl > 0 {
			d.verificationTTL = ttl
		}
		if ttl := cfg.GetPasswordResetTTL(); ttl > 0 {
			d.resetTTL = ttl
		}
	}
}

func newCommandDeps(repo RepositoryManager, opts []CommandOption) commandDeps {
	d := commandDeps{
		repo:            repo,
		hasher:          NewBcryptHasher(0),
		notifier:        LogNotifier{},
		activity:        noopActivitySink{},
		logger:          defLogger,
		verificationTTL: DefaultEmailVerificationTTL,
		resetTTL:        DefaultPasswordResetTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	return d
}

func (d commandDeps) emit(ctx context.Context, eventType ActivityEventType, user *User, meta map[string]any) {
	recordActivity(ctx, d.activity, d.logger, ActivityEvent{
		EventType:  eventType,
		Actor:      userActor(user),
		UserID:     userIDOf(user),
		Metadata:   meta,
		OccurredAt: d.clock.now(),
	})
}

func cancelledCommand(ctx context.Context, operation string) error {
	return goerrors.Wrap(
		ctx.Err(),
		goerrors.CategoryOperation,
		"context cancelled during "+operation,
	)
}

// invalidInput turns ozzo validation errors into an InvalidRequest error
// with per field messages in the metadata.
func invalidInput(err error, msg string) error {
	if err == nil {
		return nil
	}
	e := wrapKind(KindInvalidRequest, err, msg)

	var fields validation.Errors
	if errors.As(err, &fields) {
		meta := make(map[string]any, len(fields))
		for field, ferr := range fields {
			meta[field] = ferr.Error()
		}
		e.Metadata = meta
	}
	return e
}

func passwordRules() []validation.Rule {
	return []validation.Rule{validation.Required, validation.Length(8, 72)}
}
