package marketplace

import "errors"

// Code classifies a marketplace failure for callers.
type Code string

const (
	// CodeNotFound: the referenced item or user does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidOperation: a business precondition failed.
	CodeInvalidOperation Code = "INVALID_OPERATION"
	// CodeConflict: concurrent modification; retry against fresh state.
	CodeConflict Code = "CONFLICT"
)

// Error is the marketplace error type returned by the engine.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks against a code.
var (
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidOperation = &Error{Code: CodeInvalidOperation, Message: "invalid operation"}
	ErrConflict         = &Error{Code: CodeConflict, Message: "conflict"}
)

func notFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func invalid(msg string) *Error {
	return &Error{Code: CodeInvalidOperation, Message: msg}
}

func conflict(cause error) *Error {
	return &Error{Code: CodeConflict, Message: "concurrent modification, retry", Cause: cause}
}

// CodeOf returns the code of a marketplace error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Store contract errors. Implementations return these (possibly wrapped);
// the engine translates them into *Error values.
var (
	ErrItemNotFound        = errors.New("item not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrStaleItem is returned when an item write loses a race, either on
	// its version check or to a database deadlock/serialization failure.
	ErrStaleItem = errors.New("stale item")
)
