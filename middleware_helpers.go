package auth

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-auth-tokens/middleware/jwtware"
)

// ContextEnricherAdapter stores the claims and the actor in the standard
// context so handlers and commands can read them without fiber.
func ContextEnricherAdapter(c context.Context, claims jwtware.AuthClaims) context.Context {
	accessClaims, ok := claims.(*AccessClaims)
	if !ok {
		return c
	}

	ctx := WithClaimsContext(c, accessClaims)
	return WithActorContext(ctx, ActorFromClaims(accessClaims))
}

// ProtectedRoute returns the middleware that requires a valid, non
// blacklisted access token. minRole may be empty.
func ProtectedRoute(validator *TokenValidator, minRole UserRole, errorHandler func(*fiber.Ctx, error) error) fiber.Handler {
	return jwtware.New(jwtware.Config{
		TokenValidator:  validator.Middleware(),
		MinimumRole:     string(minRole),
		ErrorHandler:    errorHandler,
		ContextEnricher: ContextEnricherAdapter,
	})
}
