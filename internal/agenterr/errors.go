// Package agenterr defines the error classes shared by the heartbeat core.
// None of them terminate the scheduler; they decide how far a failure spreads.
package agenterr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a failed or timed-out call to the oracle, a tool or
	// the embedding collaborator. The cycle records it and continues.
	ErrTransient = errors.New("transient external failure")

	// ErrStoreWrite marks a failed persistence write. It aborts the current
	// consolidation run only.
	ErrStoreWrite = errors.New("store write failure")

	// ErrInvariant marks corrupted state or a malformed collaborator result.
	// It is fatal to the current cycle.
	ErrInvariant = errors.New("invariant violation")

	ErrNotFound = errors.New("not found")
)

// Transient wraps err as an ErrTransient for the named operation.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// StoreWrite wraps err as an ErrStoreWrite for the named operation.
func StoreWrite(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreWrite, err)
}

// Invariant builds an ErrInvariant with a formatted detail.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Class names the error class for logs and metrics labels.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrStoreWrite):
		return "store_write"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "other"
	}
}
