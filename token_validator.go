package auth

import (
	"context"

	"github.com/goliatone/go-auth-tokens/middleware/jwtware"
)

// AccessTokenVerifier is the stateless half of token validation.
type AccessTokenVerifier interface {
	Verify(token string) (*AccessClaims, error)
}

// BlacklistChecker answers whether a token id has been revoked.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, tokenID string) (bool, error)
}

// TokenValidator layers the blacklist over signature verification.
type TokenValidator struct {
	verifier  AccessTokenVerifier
	blacklist BlacklistChecker
}

// NewTokenValidator returns a validator. A nil blacklist makes it a
// plain verifier.
func NewTokenValidator(verifier AccessTokenVerifier, blacklist BlacklistChecker) *TokenValidator {
	return &TokenValidator{
		verifier:  verifier,
		blacklist: blacklist,
	}
}

// Validate verifies the token and rejects it when its id is blacklisted.
func (v *TokenValidator) Validate(ctx context.Context, token string) (*AccessClaims, error) {
	claims, err := v.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	if v.blacklist == nil {
		return claims, nil
	}

	denied, err := v.blacklist.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, infrastructure(err, "failed to check token blacklist")
	}

	if denied {
		return nil, &Error{
			Kind:     KindInvalidToken,
			Message:  "token has been revoked",
			Metadata: map[string]any{"token_id": claims.ID},
		}
	}

	return claims, nil
}

// Middleware adapts the validator to the jwtware contract.
func (v *TokenValidator) Middleware() jwtware.TokenValidator {
	return jwtware.TokenValidatorFunc(func(ctx context.Context, token string) (jwtware.AuthClaims, error) {
		claims, err := v.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		return claims, nil
	})
}
