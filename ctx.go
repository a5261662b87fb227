package auth

import (
	"context"
)

var claimsCtxKey = &contextKey{"claims"}
var actorCtxKey = &contextKey{"actor"}

type contextKey struct {
	name string
}

// WithClaimsContext sets the validated access claims in the given context.
func WithClaimsContext(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// ClaimsFromContext returns the access claims set by the auth middleware.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsCtxKey).(*AccessClaims)
	return claims, ok && claims != nil
}

// WithActorContext sets the actor responsible for the current request.
func WithActorContext(ctx context.Context, actor ActorRef) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext returns the request actor, or the system actor when
// the request is unauthenticated.
func ActorFromContext(ctx context.Context) ActorRef {
	if actor, ok := ctx.Value(actorCtxKey).(ActorRef); ok {
		return actor
	}
	return systemActor
}

// ActorFromClaims builds the actor reference for the token subject.
func ActorFromClaims(claims *AccessClaims) ActorRef {
	if claims == nil || claims.UserID() == "" {
		return systemActor
	}
	return ActorRef{ID: claims.UserID(), Type: "user"}
}
