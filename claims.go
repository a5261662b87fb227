package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles"`
	Username string   `json:"username,omitempty"`
}

// UserID returns the subject claim.
func (c *AccessClaims) UserID() string {
	return c.Subject
}

// TokenID returns the jti claim used for blacklist lookups.
func (c *AccessClaims) TokenID() string {
	return c.ID
}

// HasRole checks if the role list contains role
func (c *AccessClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// IsAtLeast checks if any of the roles meets minRole
func (c *AccessClaims) IsAtLeast(minRole string) bool {
	return AnyRoleAtLeast(c.Roles, UserRole(minRole))
}

// Expiry returns the exp claim, zero when missing.
func (c *AccessClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func ensureTokenID(claims *jwt.RegisteredClaims) {
	if claims == nil || claims.ID != "" {
		return
	}
	claims.ID = uuid.NewString()
}
