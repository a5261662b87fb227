package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the identity record and its account security state.
// Soft deletion is an explicit flag so lookups still see deleted accounts
// and can reject them as inactive.
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`

	ID           uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Email        string    `bun:"email,notnull,unique" json:"email"`
	Username     string    `bun:"username,notnull,unique" json:"username"`
	Role         UserRole  `bun:"role,notnull" json:"role"`
	PasswordHash string    `bun:"password_hash,notnull" json:"-"`

	IsEmailVerified            bool       `bun:"is_email_verified,notnull" json:"is_email_verified"`
	EmailVerificationToken     *string    `bun:"email_verification_token" json:"-"`
	EmailVerificationExpiresAt *time.Time `bun:"email_verification_expires_at" json:"-"`
	PasswordResetToken         *string    `bun:"password_reset_token" json:"-"`
	PasswordResetExpiresAt     *time.Time `bun:"password_reset_expires_at" json:"-"`

	FailedLoginAttempts int        `bun:"failed_login_attempts,notnull" json:"failed_login_attempts"`
	LockoutEnd          *time.Time `bun:"lockout_end" json:"lockout_end,omitempty"`
	LastLoginAt         *time.Time `bun:"last_login_at" json:"last_login_at,omitempty"`

	IsActive  bool       `bun:"is_active,notnull" json:"is_active"`
	IsDeleted bool       `bun:"is_deleted,notnull" json:"is_deleted"`
	DeletedAt *time.Time `bun:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// IsLockedOut reports whether a lockout window is still open at now.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutEnd != nil && u.LockoutEnd.After(now)
}

// CanAuthenticate is false for inactive or soft deleted accounts.
func (u *User) CanAuthenticate() bool {
	return u.IsActive && !u.IsDeleted
}

// Profile returns the public projection of the user.
func (u *User) Profile() UserProfile {
	return UserProfile{
		ID:              u.ID.String(),
		Email:           u.Email,
		Username:        u.Username,
		Role:            string(u.Role),
		IsEmailVerified: u.IsEmailVerified,
		LastLoginAt:     u.LastLoginAt,
	}
}

// UserProfile is what login hands back to the client.
type UserProfile struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Username        string     `json:"username"`
	Role            string     `json:"role"`
	IsEmailVerified bool       `json:"is_email_verified"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

// RefreshToken is a server side refresh credential. Token holds the
// SHA-256 digest of the opaque string given to the client.
// Rows are never deleted by the lifecycle, only revoked.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`

	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Token           string     `bun:"token,notnull,unique" json:"-"`
	UserID          uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	ExpiresAt       time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	IsRevoked       bool       `bun:"is_revoked,notnull" json:"is_revoked"`
	CreatedAt       time.Time  `bun:"created_at,notnull" json:"created_at"`
	CreatedByIP     string     `bun:"created_by_ip" json:"created_by_ip,omitempty"`
	RevokedAt       *time.Time `bun:"revoked_at" json:"revoked_at,omitempty"`
	RevokedByIP     *string    `bun:"revoked_by_ip" json:"revoked_by_ip,omitempty"`
	ReplacedByToken *string    `bun:"replaced_by_token" json:"-"`
}

// IsExpired reports whether now is at or past the expiry.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive is true while the token is neither revoked nor expired.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked && !t.IsExpired(now)
}

// IsValidForRefresh reports whether the token can be exchanged.
func (t *RefreshToken) IsValidForRefresh(now time.Time) bool {
	return t.IsActive(now)
}

// WasRotated is true when the token was revoked by a refresh.
func (t *RefreshToken) WasRotated() bool {
	return t.IsRevoked && t.ReplacedByToken != nil
}

// BlacklistedToken denies an access token by its jti until ExpiresAt.
type BlacklistedToken struct {
	bun.BaseModel `bun:"table:blacklisted_tokens,alias:bt"`

	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	TokenID       string    `bun:"token_id,notnull,unique" json:"token_id"`
	UserID        uuid.UUID `bun:"user_id,notnull,type:uuid" json:"user_id"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
	BlacklistedAt time.Time `bun:"blacklisted_at,notnull" json:"blacklisted_at"`
	Reason        string    `bun:"reason,notnull" json:"reason"`
}

// IsExpired reports whether the entry no longer matters for lookups.
func (b *BlacklistedToken) IsExpired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// Blacklist reasons.
const (
	BlacklistReasonLogout = "logout"
	BlacklistReasonAdmin  = "admin_revocation"
)
