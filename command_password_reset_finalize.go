package auth

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/uptrace/bun"
)

type FinalizePasswordResetMessage struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	IP       string `json:"-"`
}

func (e FinalizePasswordResetMessage) Type() string { return "user.password_reset.finalize" }

func (e FinalizePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Token, validation.Required),
		validation.Field(&e.Password, passwordRules()...),
	)
}

type FinalizePasswordResetHandler struct {
	commandDeps
}

// NewFinalizePasswordResetHandler creates the handler that sets the new
// password and ends every open session of the user.
func NewFinalizePasswordResetHandler(repo RepositoryManager, opts ...CommandOption) *FinalizePasswordResetHandler {
	return &FinalizePasswordResetHandler{commandDeps: newCommandDeps(repo, opts)}
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return cancelledCommand(ctx, "password reset finalization")
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizePasswordResetHandler) execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return invalidInput(err, "invalid password reset")
	}

	passwordHash, err := h.hasher.Hash(event.Password)
	if err != nil {
		return infrastructure(err, "failed to hash password")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var (
		user    *User
		revoked int64
	)

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = h.repo.Users().GetByResetTokenTx(ctx, tx, HashToken(event.Token))
		if err != nil {
			user = nil
			if isNotFound(err) {
				return newError(KindInvalidToken, "invalid password reset token")
			}
			return infrastructure(err, "could not retrieve password reset token")
		}

		if !user.CanAuthenticate() {
			return newError(KindAccountInactive, ErrAccountInactive.Message)
		}

		now := h.clock.now()
		if user.PasswordResetExpiresAt != nil && !now.Before(*user.PasswordResetExpiresAt) {
			return newError(KindTokenExpired, "password reset token has expired")
		}

		if err := h.repo.Users().ResetPasswordTx(ctx, tx, user.ID, passwordHash, now); err != nil {
			return infrastructure(err, "failed to update user password")
		}

		revoked, err = h.repo.RefreshTokens().RevokeAllForUserTx(ctx, tx, user.ID, event.IP, now)
		if err != nil {
			return infrastructure(err, "failed to revoke refresh tokens")
		}

		return nil
	})

	if err != nil {
		return classify(err, "failed to finalize password reset")
	}

	h.logger.Info("password reset", "user_id", user.ID.String(), "revoked_tokens", revoked)
	h.emit(ctx, ActivityEventPasswordResetSuccess, user, map[string]any{
		"revoked_tokens": revoked,
	})

	return nil
}
