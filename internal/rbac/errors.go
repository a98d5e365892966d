package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", shared.ErrNotFound)
	// ErrPermissionDenied indicates the actor lacks priority for a role-management action.
	ErrPermissionDenied = fmt.Errorf("rbac: %w", shared.ErrPermissionDenied)
	// ErrCorruptHierarchy indicates a cycle or dangling parent found while walking stored roles.
	ErrCorruptHierarchy = errors.New("rbac: corrupt role hierarchy")
	// errDuplicateAssignment signals a unique-key race on insert.
	errDuplicateAssignment = fmt.Errorf("rbac: duplicate assignment: %w", shared.ErrConflict)
)

// ValidationError reports malformed input or a rejected hierarchy/scope change.
type ValidationError struct {
	Field  string
	Reason string
	Codes  []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("rbac: ")
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	if len(e.Codes) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Codes, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap lets errors.Is match shared.ErrValidation.
func (e *ValidationError) Unwrap() error {
	return shared.ErrValidation
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}
