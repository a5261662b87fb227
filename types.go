package auth

import (
	"context"
	"time"
)

// Logger is the logging contract used by every component in the package.
// Arguments after msg are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds token and account security options
type Config interface {
	GetIssuer() string
	GetAudience() string
	GetSigningKeyID() string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetMaxFailedAttempts() int
	GetLockoutDuration() time.Duration
	GetRequireVerifiedEmail() bool
	GetEmailVerificationTTL() time.Duration
	GetPasswordResetTTL() time.Duration
}

// PasswordHasher is the one-way hash used for stored passwords.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Compare(plain, hash string) error
}

// RoleProvider resolves the roles embedded in access tokens.
type RoleProvider interface {
	FindRoles(ctx context.Context, user *User) ([]string, error)
}

// RoleProviderFunc adapts a function to the RoleProvider interface.
type RoleProviderFunc func(ctx context.Context, user *User) ([]string, error)

// FindRoles implements RoleProvider.
func (f RoleProviderFunc) FindRoles(ctx context.Context, user *User) ([]string, error) {
	return f(ctx, user)
}

// UserRoleProvider returns the role stored on the user record.
var UserRoleProvider = RoleProviderFunc(func(_ context.Context, user *User) ([]string, error) {
	if user == nil || user.Role == "" {
		return []string{string(RoleMember)}, nil
	}
	return []string{string(user.Role)}, nil
})

// Clock returns the current time. Tests swap it to move time forward.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// Notifier delivers account emails. Calls are fire-and-forget from the
// caller's perspective; errors are only logged.
type Notifier interface {
	SendEmailVerification(ctx context.Context, user *User, token string) error
	SendPasswordReset(ctx context.Context, user *User, token string) error
	SendLockoutNotice(ctx context.Context, user *User, until time.Time) error
}
