package lock

import (
	"errors"
	"fmt"
)

// Common errors for distributed locking operations.
var (
	// ErrAlreadyHeld is returned when Acquire is called on a lock this instance
	// already holds (or is in the middle of acquiring or releasing).
	ErrAlreadyHeld = errors.New("advisory lock already held by this instance")

	// ErrLockNotHeld is returned when the lock is not held: either locally, or
	// the server reported the key was not held by the session at release time.
	ErrLockNotHeld = errors.New("lock not held by this instance")
)

// ConnectionError is returned when a session to the server could not be opened.
type ConnectionError struct {
	Host     string
	Port     int
	Database string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %s:%d/%s: %v", e.Host, e.Port, e.Database, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
