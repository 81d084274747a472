package sqlengine

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Init when the engine was closed mid-load.
var ErrClosed = errors.New("sqlengine: engine closed")

// QueryError reports a malformed statement or a constraint violation.
type QueryError struct {
	SQL string
	Err error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query error: %v (sql=%q)", e.Err, e.SQL)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failure to serialize or store the image.
// The in-memory database stays valid.
type PersistenceError struct {
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotInitializedError is returned when the engine is used before it is ready.
type NotInitializedError struct {
	State State
}

// Error implements the error interface.
func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("database not initialized (state=%s)", e.State)
}

// IsQueryError returns true if err wraps a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// IsPersistenceError returns true if err wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsNotInitialized returns true if err wraps a NotInitializedError.
func IsNotInitialized(err error) bool {
	var ne *NotInitializedError
	return errors.As(err, &ne)
}
