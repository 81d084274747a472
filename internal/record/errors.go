package record

import (
	"errors"
	"fmt"
)

// SerializationError reports a value that could not be encoded, or a stored
// record that could not be decoded (corrupt or foreign data).
//
// Bindings treat it as recoverable: the default value is used instead.
type SerializationError struct {
	// Op is "encode" or "decode".
	Op string

	// Key is the record key, when known.
	Key string

	Err error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("serialization error: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("serialization error: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// WithKey returns a copy of the error annotated with key.
func (e *SerializationError) WithKey(key string) *SerializationError {
	c := *e
	c.Key = key
	return &c
}

// IsSerializationError returns true if err wraps a SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
