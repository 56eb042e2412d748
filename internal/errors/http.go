package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusFor maps a taxonomy error to the HTTP status the manifest and
// deaddrop servers put on the wire.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRemoteDeleted):
		return http.StatusGone
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrVersionConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus maps an HTTP status back into the taxonomy. The inverse of
// StatusFor for the statuses clients branch on; everything 5xx is transient.
func FromStatus(status int, detail string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusGone:
		return fmt.Errorf("%s: %w", detail, ErrRemoteDeleted)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w", detail, ErrAlreadyExists)
	case status == http.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w", detail, ErrVersionConflict)
	case status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", detail, ErrPermissionDenied)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%s: %w", detail, ErrInvalidInput)
	case status >= 500:
		return fmt.Errorf("%s (status %d): %w", detail, status, ErrTransient)
	default:
		return fmt.Errorf("%s (status %d): %w", detail, status, ErrInternal)
	}
}
