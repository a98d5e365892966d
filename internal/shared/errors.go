package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input or a rejected invariant.
	ErrValidation = errors.New("validation failed")
	// ErrPermissionDenied indicates the actor may not perform a mutation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConflict indicates a concurrent write collided with another.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized indicates a missing or invalid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// IsClientError reports whether err maps to a 4xx response and needs no
// server-side error log.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnauthorized)
}
