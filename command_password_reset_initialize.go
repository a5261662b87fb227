package auth

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/uptrace/bun"
)

type InitializePasswordResetMessage struct {
	Email string `json:"email"`
}

func (p InitializePasswordResetMessage) Type() string { return "user.password_reset" }

func (p InitializePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
	)
}

type InitializePasswordResetHandler struct {
	commandDeps
}

// NewInitializePasswordResetHandler creates the handler that issues reset
// tokens.
func NewInitializePasswordResetHandler(repo RepositoryManager, opts ...CommandOption) *InitializePasswordResetHandler {
	return &InitializePasswordResetHandler{commandDeps: newCommandDeps(repo, opts)}
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return cancelledCommand(ctx, "password reset initialization")
	default:
		return h.execute(ctx, event)
	}
}

// execute succeeds for unknown or inactive accounts too, so callers cannot
// probe which emails are registered.
func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return invalidInput(err, "invalid password reset request")
	}

	token, err := GenerateSecureToken(32)
	if err != nil {
		return infrastructure(err, "failed to generate password reset token")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var user *User
	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := h.repo.Users().GetByEmailTx(ctx, tx, event.Email)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return infrastructure(err, "failed to retrieve user for password reset")
		}

		if !found.CanAuthenticate() {
			return nil
		}

		now := h.clock.now()
		digest := HashToken(token)
		expires := now.Add(h.resetTTL)
		found.PasswordResetToken = &digest
		found.PasswordResetExpiresAt = &expires
		found.UpdatedAt = now

		if err := h.repo.Users().UpdateColumnsTx(ctx, tx, found,
			"password_reset_token",
			"password_reset_expires_at",
			"updated_at",
		); err != nil {
			return infrastructure(err, "failed to store password reset token")
		}

		user = found
		return nil
	})

	if err != nil {
		return classify(err, "password reset initialization failed")
	}

	if user == nil {
		h.logger.Debug("password reset requested for unknown account", "email", normalizeEmail(event.Email))
		return nil
	}

	h.emit(ctx, ActivityEventPasswordResetRequest, user, nil)

	target := *user
	dispatchNotification(ctx, h.logger, "password_reset", func(ctx context.Context) error {
		return h.notifier.SendPasswordReset(ctx, &target, token)
	})

	return nil
}
