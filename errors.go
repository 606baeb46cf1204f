package dbsync

import "github.com/pkg/errors"

// ProtocolError indicates a malformed message, an unknown verb, or a
// violation of the wire protocol's contract (e.g. a row delivered outside
// its declared key range).
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return e.msg }

// NewProtocolError produces a ProtocolError with the given message.
func NewProtocolError(msg string) error { return &ProtocolError{msg: msg} }

// SchemaMismatch indicates that the two endpoints' tables, columns, or key
// definitions differ in a way that isn't covered by an ignore/only filter.
type SchemaMismatch struct {
	msg string
}

func (e *SchemaMismatch) Error() string { return e.msg }

// NewSchemaMismatch produces a SchemaMismatch with the given message.
func NewSchemaMismatch(msg string) error { return &SchemaMismatch{msg: msg} }

// DatabaseError wraps a driver-level failure (connectivity, constraint,
// deadlock) so it can be distinguished from protocol and I/O failures.
type DatabaseError struct {
	cause error
}

func (e *DatabaseError) Error() string { return "database error: " + e.cause.Error() }
func (e *DatabaseError) Unwrap() error { return e.cause }

// NewDatabaseError wraps err as a DatabaseError.
func NewDatabaseError(err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{cause: err}
}

// AbortedError is returned when a worker observes the shared abort flag.
// It carries no information beyond the fact that some other worker (or
// this one) has already failed.
var AbortedError = errors.New("sync aborted")

// IoError wraps an unexpected stream closure or I/O failure on the wire.
type IoError struct {
	cause error
}

func (e *IoError) Error() string { return "io error: " + e.cause.Error() }
func (e *IoError) Unwrap() error { return e.cause }

// NewIoError wraps err as an IoError.
func NewIoError(err error) error {
	if err == nil {
		return nil
	}
	return &IoError{cause: err}
}
