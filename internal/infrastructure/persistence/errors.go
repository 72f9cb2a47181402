package persistence

import (
	"fmt"

	"github.com/erp/backoffice/internal/domain/shared"
)

// LocalError reports a failed read or write of the local backend.
type LocalError struct {
	Op  string
	Key string
	Err error
}

func (e *LocalError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("local settings %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local settings %s %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// Is matches shared.ErrPersistenceLocal
func (e *LocalError) Is(target error) bool { return target == shared.ErrPersistenceLocal }

// RemoteError reports a profile sync that failed after all retries.
type RemoteError struct {
	Section  string
	Attempts int
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("profile sync of %s failed after %d attempt(s): %v", e.Section, e.Attempts, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is matches shared.ErrPersistenceRemote
func (e *RemoteError) Is(target error) bool { return target == shared.ErrPersistenceRemote }
