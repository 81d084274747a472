package kvstore

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for operations submitted after the handle closed.
var ErrClosed = errors.New("kvstore: handle closed")

// ErrVersion reports a database written by a newer schema version.
var ErrVersion = errors.New("kvstore: incompatible schema version")

// ErrOptionsMismatch reports an open of a database that is already open in
// this process under another collection or version.
var ErrOptionsMismatch = errors.New("kvstore: database already open with other options")

// ConnectionError reports a database that could not be opened: the file is
// locked by another process, the medium is unavailable, or the stored schema
// version is incompatible.
type ConnectionError struct {
	Path string

	// Blocked is true when another process holds the database.
	Blocked bool

	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("connection error: %s is held by another process: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("connection error: %s: %v", e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError returns true if err wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
