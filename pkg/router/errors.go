package router

import "errors"

// Error taxonomy for the router core. Callers should compare with errors.Is;
// these are sentinel values, not typed errors, to keep call sites terse.
var (
	// ErrInvalidArgument marks misuse by the local caller (e.g. merging a
	// router that has already carried traffic, or serializing a router that
	// is already a proxy).
	ErrInvalidArgument = errors.New("router: invalid argument")

	// ErrFailedPrecondition marks an ordering violation by the local caller,
	// such as committing a two-phase get without a matching begin.
	ErrFailedPrecondition = errors.New("router: failed precondition")

	// ErrNotFound means the peer is gone and the requested operation
	// requires it (e.g. sending after the peer's inbound sequence closed).
	ErrNotFound = errors.New("router: not found")

	// ErrUnavailable means there is nothing to receive yet.
	ErrUnavailable = errors.New("router: unavailable")

	// ErrResourceExhausted means the caller-provided buffer was too small;
	// the caller may retry with a larger buffer.
	ErrResourceExhausted = errors.New("router: resource exhausted")

	// ErrOutOfRange means the caller tried to consume more than what was
	// staged.
	ErrOutOfRange = errors.New("router: out of range")
)
