package settings

import (
	"errors"
	"fmt"

	"github.com/erp/backoffice/internal/domain/shared"
)

// Validation failure reasons.
var (
	ErrUnknownPath         = errors.New("settings: unknown path")
	ErrTypeMismatch        = errors.New("settings: type mismatch")
	ErrReadOnlyPath        = errors.New("settings: path is not writable")
	ErrInvalidValue        = errors.New("settings: invalid value")
	ErrUnsupportedAuthMode = errors.New("settings: unsupported auth mode")
)

// ValidationError rejects a write at the store boundary. The store is left
// untouched and no event is emitted.
type ValidationError struct {
	Path   Path
	Reason error
	Detail string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed at %q: %v", e.Path.String(), e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap exposes the reason for errors.Is
func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// Is lets callers match any validation error against shared.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == shared.ErrValidation
}

func newValidationError(path Path, reason error, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
