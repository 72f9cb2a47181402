package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error kinds surfaced by the settings core. Typed errors in the settings,
// persistence and transfer packages match these through errors.Is.
var (
	ErrNotFound           = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput       = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState       = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
	ErrValidation         = NewDomainError("VALIDATION_ERROR", "Settings validation failed")
	ErrPersistenceLocal   = NewDomainError("PERSISTENCE_LOCAL_ERROR", "Local settings storage failed")
	ErrPersistenceRemote  = NewDomainError("PERSISTENCE_REMOTE_ERROR", "Remote profile synchronization failed")
	ErrVersionTooNew      = NewDomainError("VERSION_TOO_NEW", "Settings schema version is newer than supported")
	ErrMigrationFailed    = NewDomainError("MIGRATION_FAILED", "Settings migration failed")
	ErrNestedBatch        = NewDomainError("NESTED_BATCH", "Batch updates cannot be nested")
	ErrUnknownIntegration = NewDomainError("UNKNOWN_INTEGRATION", "Unknown integration")
)
