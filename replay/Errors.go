package replay

import (
	"errors"
	"fmt"
)

// Error implements errors returned by replay buffers, storing the
// buffer operation that caused the error.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Err
}

// errInsufficientData indicates that a buffer does not yet hold enough
// steps to assemble the requested sample.
var errInsufficientData error = errors.New("buffer holds insufficient data")

// IsInsufficientData returns whether err indicates that a buffer did
// not yet hold enough steps to satisfy a Sample call. Callers that
// interleave collection and training use this to skip an update rather
// than abort.
func IsInsufficientData(err error) bool {
	return errors.Is(err, errInsufficientData)
}
