// Package limiter throttles login attempts per (username, source IP) pair.
package limiter

import (
	"context"
	"time"
)

// Limiter gates login attempts and applies temporary lockouts.
type Limiter interface {
	// Allow reports whether a login attempt may proceed. When it may not,
	// the returned duration says how long until the lockout lifts.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success clears the failure counter after a correct password.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure records a wrong password. The bool is true when this failure
	// tripped a lockout; the duration is the lockout length.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}
