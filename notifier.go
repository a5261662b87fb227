package auth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// LogNotifier writes notifications to the logger instead of sending them.
// It is the default for development setups. Tokens are only logged at
// debug level.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) logger() Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return defLogger
}

func (n LogNotifier) SendEmailVerification(_ context.Context, user *User, token string) error {
	n.logger().Info("email verification requested", "user_id", user.ID.String(), "email", user.Email)
	n.logger().Debug("email verification token", "user_id", user.ID.String(), "token", token)
	return nil
}

func (n LogNotifier) SendPasswordReset(_ context.Context, user *User, token string) error {
	n.logger().Info("password reset requested", "user_id", user.ID.String(), "email", user.Email)
	n.logger().Debug("password reset token", "user_id", user.ID.String(), "token", token)
	return nil
}

func (n LogNotifier) SendLockoutNotice(_ context.Context, user *User, until time.Time) error {
	n.logger().Info("account locked", "user_id", user.ID.String(), "email", user.Email, "until", until.Format(time.RFC3339))
	return nil
}

// SendGridConfig holds the sender identity and the links embedded in emails.
type SendGridConfig struct {
	APIKey           string
	FromName         string
	FromEmail        string
	VerifyEmailURL   string
	ResetPasswordURL string
}

// SendGridNotifier delivers account emails through SendGrid.
type SendGridNotifier struct {
	client *sendgrid.Client
	cfg    SendGridConfig
}

// NewSendGridNotifier creates a notifier using cfg.APIKey.
func NewSendGridNotifier(cfg SendGridConfig) *SendGridNotifier {
	return &SendGridNotifier{
		client: sendgrid.NewSendClient(cfg.APIKey),
		cfg:    cfg,
	}
}

func (n *SendGridNotifier) SendEmailVerification(ctx context.Context, user *User, token string) error {
	link := withToken(n.cfg.VerifyEmailURL, token)
	return n.send(ctx, user, "Verify your email address",
		fmt.Sprintf("Hi %s,\n\nConfirm your email address by opening:\n%s\n", user.Username, link))
}

func (n *SendGridNotifier) SendPasswordReset(ctx context.Context, user *User, token string) error {
	link := withToken(n.cfg.ResetPasswordURL, token)
	return n.send(ctx, user, "Reset your password",
		fmt.Sprintf("Hi %s,\n\nReset your password by opening:\n%s\n\nIf you did not ask for this you can ignore this email.\n", user.Username, link))
}

func (n *SendGridNotifier) SendLockoutNotice(ctx context.Context, user *User, until time.Time) error {
	return n.send(ctx, user, "Your account has been locked",
		fmt.Sprintf("Hi %s,\n\nAfter several failed sign in attempts your account is locked until %s.\n", user.Username, until.Format(time.RFC1123)))
}

func (n *SendGridNotifier) send(ctx context.Context, user *User, subject, body string) error {
	from := mail.NewEmail(n.cfg.FromName, n.cfg.FromEmail)
	to := mail.NewEmail(user.Username, user.Email)
	message := mail.NewSingleEmail(from, subject, to, body, "")

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: unexpected status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func withToken(base, token string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return token
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// dispatchNotification runs fn in the background, detached from the
// request's cancellation. Failures are logged and otherwise ignored.
func dispatchNotification(ctx context.Context, logger Logger, kind string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("notification failed", "notification", kind, "error", err)
		}
	}()
}
