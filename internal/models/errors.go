package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags the variant carried by an Error.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindRemote     ErrorKind = "remote"
	KindEmpty      ErrorKind = "empty"
	KindConflict   ErrorKind = "conflict"
)

// Error is the single error type crossing the service/HTTP boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	// Status is the remote HTTP status for KindRemote; zero when no response was received.
	Status int
	// RateLimitReset is set when the remote source reported when its limit window resets.
	RateLimitReset *time.Time
}

func (e *Error) Error() string {
	if e.Kind == KindRemote && e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

// ValidationError reports bad caller input. No remote call is made.
func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// RemoteRequestError reports a failed call to the remote source.
func RemoteRequestError(status int, message string, reset *time.Time) *Error {
	return &Error{Kind: KindRemote, Status: status, Message: message, RateLimitReset: reset}
}

// EmptyPoolError reports a draw with no eligible candidates.
func EmptyPoolError(message string) *Error {
	return &Error{Kind: KindEmpty, Message: message}
}

// ConflictError reports an operation that clashes with one already in progress.
func ConflictError(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// AsError unwraps err to an *Error if there is one in its chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
