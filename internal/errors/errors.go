package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for different categories
var (
	// ErrNotFound - blob, session, or queue entry does not exist
	ErrNotFound = errors.New("not found")

	// ErrRemoteDeleted - blob existed but was tombstoned; distinct from ErrNotFound
	// so sync can propagate the deletion instead of treating a 404 as ambiguous
	ErrRemoteDeleted = errors.New("remote deleted")

	// ErrAlreadyExists - create-only write raced an existing blob
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict - optimistic-concurrency precondition failed on write/delete
	ErrVersionConflict = errors.New("version conflict")

	// ErrSyncConflict - both sides of a sync changed the same path; never auto-resolved
	ErrSyncConflict = errors.New("sync conflict")

	// ErrUnknownAgent - agent id is not registered in the coordination session
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownRequest - permission request id is stale or unrecognized
	ErrUnknownRequest = errors.New("unknown request")

	// ErrPermissionDenied - authorization denied (including deny-by-default timeout)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrProvisioning - worker workspace provisioning failed; no agent record is kept
	ErrProvisioning = errors.New("provisioning failed")

	// ErrInvalidInput - malformed request or argument
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient - transient transport failure, safe to retry with backoff
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)

// VersionConflictError carries enough identity to act on a failed precondition.
// errors.Is(err, ErrVersionConflict) matches.
type VersionConflictError struct {
	Path     string
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected v%d, store has v%d", e.Path, e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// NotFound wraps a message as not found.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps a message as invalid input.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps a message as transient.
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps a message as internal.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsCategory checks if error belongs to a specific category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// IsRetryable reports whether an error is safe to retry blindly. Version
// conflicts are deliberately excluded: retrying the same write with the same
// stale precondition can never succeed, the caller needs a fresh sync pass.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient)
}
