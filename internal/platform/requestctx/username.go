// Package requestctx carries per-connection identity through request contexts.
package requestctx

import (
	"context"
	"strings"
)

type usernameContextKey struct{}

// WithUsername stores the resolved chat username in ctx.
func WithUsername(ctx context.Context, username string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, usernameContextKey{}, strings.TrimSpace(username))
}

// UsernameFromContext returns the username stored in ctx and whether one was set.
func UsernameFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(usernameContextKey{}).(string)
	return value, value != ""
}
