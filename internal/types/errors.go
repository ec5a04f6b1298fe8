package types

import "errors"

// Error kinds. Library layers wrap these with context; callers classify with
// errors.Is.
var (
	// ErrInvalidFormat marks a corrupt on-disk structure (superblock,
	// logpack, wdiff). The owning volume must be stopped.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrStateViolation marks an operation attempted in the wrong volume
	// state. It has no internal effect.
	ErrStateViolation = errors.New("state violation")

	// ErrForceStopped marks a cooperative abort of a long-running operation.
	ErrForceStopped = errors.New("force stopped")

	// ErrOverflow marks a log device overflow. The volume is auto-stopped and
	// requires an operator reset.
	ErrOverflow = errors.New("log device overflow")
)
