package db

import "errors"

// ErrKeyNotFound is returned when an object does not exist.
var ErrKeyNotFound = errors.New("db: key not found")

// Op names used for error context.
const (
	OpPing       = "PING"
	OpScan       = "SCAN"
	OpGet        = "GET"
	OpPublish    = "PUBLISH"
	OpPSubscribe = "PSUBSCRIBE"
	OpList       = "LIST"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
