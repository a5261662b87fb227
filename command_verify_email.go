package auth

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/uptrace/bun"
)

type VerifyEmailMessage struct {
	Token string `json:"token"`
}

func (e VerifyEmailMessage) Type() string { return "user.verify_email" }

func (e VerifyEmailMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Token, validation.Required),
	)
}

type VerifyEmailHandler struct {
	commandDeps
}

// NewVerifyEmailHandler creates the handler that consumes verification tokens.
func NewVerifyEmailHandler(repo RepositoryManager, opts ...CommandOption) *VerifyEmailHandler {
	return &VerifyEmailHandler{commandDeps: newCommandDeps(repo, opts)}
}

func (h *VerifyEmailHandler) Execute(ctx context.Context, event VerifyEmailMessage) error {
	select {
	case <-ctx.Done():
		return cancelledCommand(ctx, "email verification")
	default:
		return h.execute(ctx, event)
	}
}

func (h *VerifyEmailHandler) execute(ctx context.Context, event VerifyEmailMessage) error {
	if err := event.Validate(); err != nil {
		return invalidInput(err, "invalid verification request")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var user *User
	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = h.repo.Users().GetByVerificationTokenTx(ctx, tx, HashToken(event.Token))
		if err != nil {
			user = nil
			if isNotFound(err) {
				return newError(KindInvalidToken, "invalid verification token")
			}
			return infrastructure(err, "failed to retrieve verification token")
		}

		if !user.CanAuthenticate() {
			return newError(KindAccountInactive, ErrAccountInactive.Message)
		}

		now := h.clock.now()
		if user.EmailVerificationExpiresAt != nil && !now.Before(*user.EmailVerificationExpiresAt) {
			return newError(KindTokenExpired, "verification token has expired")
		}

		user.IsEmailVerified = true
		user.EmailVerificationToken = nil
		user.EmailVerificationExpiresAt = nil
		user.UpdatedAt = now

		return h.repo.Users().UpdateColumnsTx(ctx, tx, user,
			"is_email_verified",
			"email_verification_token",
			"email_verification_expires_at",
			"updated_at",
		)
	})

	if err != nil {
		return classify(err, "email verification transaction failed")
	}

	h.emit(ctx, ActivityEventEmailVerified, user, nil)
	return nil
}
