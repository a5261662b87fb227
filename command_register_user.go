package auth

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

type RegisterUserMessage struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	Password   string `json:"password"`
	UseHashid  bool   `json:"-"`
	OnResponse func(resp *RegisterUserResponse)
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Validate checks the message shape before touching the store.
func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Username, validation.Length(3, 64)),
		validation.Field(&e.Password, passwordRules()...),
	)
}

type RegisterUserResponse struct {
	User UserProfile `json:"user"`
}

type RegisterUserHandler struct {
	commandDeps
}

// NewRegisterUserHandler creates the registration command handler.
func NewRegisterUserHandler(repo RepositoryManager, opts ...CommandOption) *RegisterUserHandler {
	return &RegisterUserHandler{commandDeps: newCommandDeps(repo, opts)}
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return cancelledCommand(ctx, "user registration")
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	if err := event.Validate(); err != nil {
		return invalidInput(err, "invalid registration")
	}

	role := RoleMember
	if event.Role != "" {
		parsed, ok := ParseRole(event.Role)
		if !ok {
			return newError(KindInvalidRequest, "unknown role").
				withMetadata(map[string]any{"role": event.Role})
		}
		role = parsed
	}

	hash, err := h.hasher.Hash(event.Password)
	if err != nil {
		return infrastructure(err, "failed to hash password")
	}

	token, err := GenerateSecureToken(32)
	if err != nil {
		return infrastructure(err, "failed to generate verification token")
	}

	now := h.clock.now()
	digest := HashToken(token)
	expires := now.Add(h.verificationTTL)

	user := &User{
		Email:                      normalizeEmail(event.Email),
		Username:                   getUsername(event.Username, event.Email),
		Role:                       role,
		PasswordHash:               hash,
		EmailVerificationToken:     &digest,
		EmailVerificationExpiresAt: &expires,
		IsActive:                   true,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}

	if event.UseHashid {
		if id, err := hashid.NewUUID(user.Email); err == nil {
			user.ID = id
		}
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.repo.Users().GetByEmailTx(ctx, tx, user.Email); err == nil {
			return newError(KindEmailAlreadyExists, ErrEmailAlreadyExists.Message)
		} else if !isNotFound(err) {
			return infrastructure(err, "failed to check email")
		}

		if _, err := h.repo.Users().GetByUsernameTx(ctx, tx, user.Username); err == nil {
			return newError(KindUsernameAlreadyExists, ErrUsernameAlreadyExists.Message)
		} else if !isNotFound(err) {
			return infrastructure(err, "failed to check username")
		}

		created, err := h.repo.Users().CreateTx(ctx, tx, user)
		if err != nil {
			return infrastructure(err, "could not create user")
		}
		user = created
		return nil
	})

	if err != nil {
		return classify(err, "user registration transaction failed")
	}

	h.logger.Info("user registered", "user_id", user.ID.String(), "email", user.Email)
	h.emit(ctx, ActivityEventUserRegistered, user, map[string]any{"role": string(user.Role)})

	registered := *user
	dispatchNotification(ctx, h.logger, "email_verification", func(ctx context.Context) error {
		return h.notifier.SendEmailVerification(ctx, &registered, token)
	})

	if event.OnResponse != nil {
		event.OnResponse(&RegisterUserResponse{User: user.Profile()})
	}

	return nil
}

func getUsername(username, email string) string {
	username = strings.TrimSpace(username)
	if username != "" {
		return username
	}

	if strings.Contains(email, "@") {
		username = strings.Split(strings.TrimSpace(email), "@")[0]
	}

	return username
}
