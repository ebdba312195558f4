// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrSignatureInvalid indicates a sync request signature that does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrKeyExpired indicates a signing key version past its verification grace window.
	ErrKeyExpired = errors.New("signing key expired")

	// ErrNoSigningKey indicates the device has no key material and must re-register.
	ErrNoSigningKey = errors.New("no signing key")

	// ErrCorruptSnapshot indicates the local snapshot hash does not match its contents.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrUnknownDependency indicates an enqueue referencing a non-queued action id.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrNeedsReregistration indicates the server no longer trusts this device's keys.
	ErrNeedsReregistration = errors.New("needs re-registration")

	// ErrInvalidAction indicates an action whose effect would violate a collection invariant.
	ErrInvalidAction = errors.New("invalid action")

	// ErrSyncInFlight indicates a flush attempted while another one is still running.
	ErrSyncInFlight = errors.New("sync already in flight")
)
