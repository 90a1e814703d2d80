package server

import (
	"context"
	"net/http"
)

// ILockServer is the HTTP lock server. It maps routes and status codes
// onto the lease operations and runs the background expiry sweep.
type ILockServer interface {
	// Handler returns the fully wired HTTP handler. Exposed so tests and
	// embedders can mount the server without binding a socket.
	Handler() http.Handler
	// Serve binds the configured endpoint and blocks until Shutdown is
	// called or the listener fails.
	Serve() error
	// Shutdown stops the background sweep and drains in-flight requests.
	Shutdown(ctx context.Context) error
}

// IRateLimiter decides whether a request may proceed. The server calls
// Allow before any other processing; a false verdict yields 429.
type IRateLimiter interface {
	Allow(r *http.Request) bool
}

// NewAllowAllLimiter returns a limiter that admits every request. The
// default until a real policy is configured in front of the server.
func NewAllowAllLimiter() IRateLimiter {
	return allowAllLimiter{}
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(*http.Request) bool { return true }
