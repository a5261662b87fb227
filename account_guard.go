package auth

import (
	"time"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
)

// AccountState is the authentication state of a user.
type AccountState string

const (
	AccountStateActive    AccountState = "active"
	AccountStateLockedOut AccountState = "locked_out"
	// AccountStateInactive covers deactivated and soft deleted accounts.
	// It is terminal for authentication.
	AccountStateInactive AccountState = "inactive"
)

// LockoutPolicy holds the thresholds enforced by the AccountGuard.
type LockoutPolicy struct {
	MaxFailedAttempts    int
	LockoutDuration      time.Duration
	RequireVerifiedEmail bool
}

// DefaultLockoutPolicy locks for 15 minutes after 5 failures and requires
// a verified email.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts:    DefaultMaxFailedAttempts,
		LockoutDuration:      DefaultLockoutDuration,
		RequireVerifiedEmail: true,
	}
}

// LockoutPolicyFromConfig reads the policy, unset values fall back to
// the defaults.
func LockoutPolicyFromConfig(cfg Config) LockoutPolicy {
	p := DefaultLockoutPolicy()
	if cfg == nil {
		return p
	}
	if n := cfg.GetMaxFailedAttempts(); n > 0 {
		p.MaxFailedAttempts = n
	}
	if d := cfg.GetLockoutDuration(); d > 0 {
		p.LockoutDuration = d
	}
	p.RequireVerifiedEmail = cfg.GetRequireVerifiedEmail()
	return p
}

// AccountGuard gates authentication on account health. It only mutates
// the in memory user; persisting the change is the caller's job.
type AccountGuard struct {
	policy LockoutPolicy
	clock  Clock
}

// GuardOption configures an AccountGuard.
type GuardOption func(*AccountGuard)

// WithGuardClock sets the clock used for lockout windows.
func WithGuardClock(clock Clock) GuardOption {
	return func(g *AccountGuard) {
		g.clock = clock
	}
}

// NewAccountGuard creates a guard enforcing policy.
func NewAccountGuard(policy LockoutPolicy, opts ...GuardOption) *AccountGuard {
	if policy.MaxFailedAttempts <= 0 {
		policy.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if policy.LockoutDuration <= 0 {
		policy.LockoutDuration = DefaultLockoutDuration
	}

	g := &AccountGuard{policy: policy}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Policy returns the enforced policy.
func (g *AccountGuard) Policy() LockoutPolicy {
	return g.policy
}

// State returns the current state of user.
func (g *AccountGuard) State(user *User) AccountState {
	switch {
	case !user.CanAuthenticate():
		return AccountStateInactive
	case user.IsLockedOut(g.clock.now()):
		return AccountStateLockedOut
	default:
		return AccountStateActive
	}
}

// CheckEligible runs before password verification on every login.
func (g *AccountGuard) CheckEligible(user *User) error {
	switch g.State(user) {
	case AccountStateInactive:
		return newError(KindAccountInactive, ErrAccountInactive.Message)
	case AccountStateLockedOut:
		return accountLockedOut(*user.LockoutEnd)
	}

	if g.policy.RequireVerifiedEmail && !user.IsEmailVerified {
		return newError(KindEmailNotVerified, ErrEmailNotVerified.Message)
	}

	return nil
}

// RecordFailedAttempt counts a wrong password and reports whether this
// attempt locked the account. A failure after an elapsed lockout starts a
// new count.
func (g *AccountGuard) RecordFailedAttempt(user *User) bool {
	now := g.clock.now()

	if user.LockoutEnd != nil && !user.IsLockedOut(now) {
		user.FailedLoginAttempts = 0
		user.LockoutEnd = nil
	}

	user.FailedLoginAttempts++
	user.UpdatedAt = now

	end, due := g.LockoutDue(user)
	if !due {
		return false
	}
	user.LockoutEnd = &end
	return true
}

// LockoutDue reports whether user has reached the failure threshold
// without an active lockout, and when the new lockout would end.
func (g *AccountGuard) LockoutDue(user *User) (time.Time, bool) {
	now := g.clock.now()
	if user.FailedLoginAttempts < g.policy.MaxFailedAttempts || user.IsLockedOut(now) {
		return time.Time{}, false
	}
	return now.Add(g.policy.LockoutDuration), true
}

// RecordSuccessfulAttempt resets the failure counter. The lockout window is
// left alone, it only expires with time.
func (g *AccountGuard) RecordSuccessfulAttempt(user *User) {
	now := g.clock.now()
	user.FailedLoginAttempts = 0
	user.LastLoginAt = &now
	user.UpdatedAt = now
}
