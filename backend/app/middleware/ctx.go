package middleware

import (
	"context"

	jwtutil "coffee-fleet/backend/app/jwt"
)

type claimsKey struct{}

func withClaims(ctx context.Context, c *jwtutil.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// Claims returns the operator claims attached by RequireAuth or RequireAdmin.
func Claims(ctx context.Context) (*jwtutil.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*jwtutil.Claims)
	return c, ok && c != nil
}

// Actor names the operator behind ctx, or "" for unauthenticated calls.
func Actor(ctx context.Context) string {
	if c, ok := Claims(ctx); ok {
		return c.Username
	}
	return ""
}
