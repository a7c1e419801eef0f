package errors

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	// ErrorTypeUnsupported marks input the replicator refuses to handle
	// (hard links, unknown file kinds, foreign filesystems). The scan
	// that hit it is aborted with nothing committed.
	ErrorTypeUnsupported ErrorType = "UNSUPPORTED_INPUT"

	// ErrorTypeConflict covers stale reads and replay: the remote
	// sequence number moved since we last read it, or a changeset was
	// offered out of order. Recoverable by re-reading the remote state
	// and recomputing the diff.
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeStorage is a local or remote store I/O failure.
	ErrorTypeStorage ErrorType = "STORAGE"

	// ErrorTypeIntegrity means fetched content does not hash to its
	// expected digest. Never treated as valid content.
	ErrorTypeIntegrity ErrorType = "INTEGRITY"

	ErrorTypeNotFound ErrorType = "NOT_FOUND"
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on the error type alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

func Unsupported(message string) *Error {
	return &Error{Type: ErrorTypeUnsupported, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Type: ErrorTypeConflict, Message: message}
}

func Storage(message string, err error) *Error {
	return &Error{Type: ErrorTypeStorage, Message: message, Err: err}
}

func Integrity(message string, details any) *Error {
	return &Error{Type: ErrorTypeIntegrity, Message: message, Details: details}
}

func NotFound(message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Message: message}
}

// IsType reports whether err (or anything it wraps) is an *Error of the
// given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}
