// CLAUDE:SUMMARY HTTP middleware for the snapwatch API: security headers, HEAD handling, JSON body cap, trace IDs and SQLite-backed rate limits.
// Package shield provides the HTTP security middleware in front of the
// snapwatch API.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(rl, logger) {
//		r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// DefaultStack returns the middleware applied to every API route. rl may
// be nil, which disables rate limiting.
func DefaultStack(rl *RateLimiter, logger *slog.Logger) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxJSONBody(1 << 20),
		TraceID(logger),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
