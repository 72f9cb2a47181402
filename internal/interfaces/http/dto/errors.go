package dto

import (
	"errors"
	"net/http"

	"github.com/erp/backoffice/internal/domain/shared"
)

// Error codes returned by the HTTP interface.
// Format: ERR_<CATEGORY>_<DESCRIPTION>
const (
	ErrCodeInternal = "ERR_INTERNAL"

	// Request shape
	ErrCodeBadRequest      = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput    = "ERR_INVALID_INPUT"
	ErrCodeInvalidJSON     = "ERR_INVALID_JSON"
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"

	// Settings rules
	ErrCodeValidation      = "ERR_VALIDATION"
	ErrCodeNestedBatch     = "ERR_NESTED_BATCH"
	ErrCodeInvalidState    = "ERR_INVALID_STATE"
	ErrCodeVersionTooNew   = "ERR_VERSION_TOO_NEW"
	ErrCodeMigrationFailed = "ERR_MIGRATION_FAILED"

	// Resources
	ErrCodeNotFound           = "ERR_NOT_FOUND"
	ErrCodeUnknownIntegration = "ERR_UNKNOWN_INTEGRATION"
	ErrCodeArchiveDisabled    = "ERR_ARCHIVE_DISABLED"
	ErrCodeProfileDisabled    = "ERR_PROFILE_DISABLED"

	// Storage
	ErrCodePersistenceLocal  = "ERR_PERSISTENCE_LOCAL"
	ErrCodePersistenceRemote = "ERR_PERSISTENCE_REMOTE"
	ErrCodeUnavailable       = "ERR_UNAVAILABLE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidInput:    http.StatusBadRequest,
	ErrCodeInvalidJSON:     http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeValidation:      http.StatusUnprocessableEntity,
	ErrCodeNestedBatch:     http.StatusUnprocessableEntity,
	ErrCodeInvalidState:    http.StatusUnprocessableEntity,
	ErrCodeMigrationFailed: http.StatusUnprocessableEntity,
	ErrCodeVersionTooNew:   http.StatusConflict,

	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeUnknownIntegration: http.StatusNotFound,
	ErrCodeArchiveDisabled:    http.StatusNotImplemented,
	ErrCodeProfileDisabled:    http.StatusNotImplemented,

	ErrCodePersistenceLocal:  http.StatusInternalServerError,
	ErrCodePersistenceRemote: http.StatusBadGateway,
	ErrCodeUnavailable:       http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Unknown codes map to 500.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// domainErrorCodes maps the shared error kinds to HTTP error codes, most
// specific first.
var domainErrorCodes = []struct {
	err  error
	code string
}{
	{shared.ErrVersionTooNew, ErrCodeVersionTooNew},
	{shared.ErrMigrationFailed, ErrCodeMigrationFailed},
	{shared.ErrValidation, ErrCodeValidation},
	{shared.ErrNestedBatch, ErrCodeNestedBatch},
	{shared.ErrUnknownIntegration, ErrCodeUnknownIntegration},
	{shared.ErrPersistenceLocal, ErrCodePersistenceLocal},
	{shared.ErrPersistenceRemote, ErrCodePersistenceRemote},
	{shared.ErrInvalidInput, ErrCodeInvalidInput},
	{shared.ErrInvalidState, ErrCodeInvalidState},
	{shared.ErrNotFound, ErrCodeNotFound},
}

// CodeForError returns the error code of a domain error kind, or
// ErrCodeInternal when err matches none.
func CodeForError(err error) string {
	for _, m := range domainErrorCodes {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return ErrCodeInternal
}
