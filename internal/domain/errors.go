package domain

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies failures talking to the device.
type ErrorKind int

const (
	// KindConnection covers transport failures and timeouts. The caller may retry.
	KindConnection ErrorKind = iota + 1
	// KindAuthentication means the credentials were rejected.
	KindAuthentication
	// KindUpdate covers malformed payloads, non-200 status, a busy device and the restart sentinel.
	KindUpdate
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Sentinel values for errors.Is matching on the kind only.
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrUpdate         = &Error{Kind: KindUpdate}
)

// Error is the single error type returned by the device client.
// Status, Header and Body are set when a response was received.
type Error struct {
	Kind   ErrorKind
	Msg    string
	Status int
	Header http.Header
	Body   string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewConnectionError creates a connection error wrapping err.
func NewConnectionError(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Msg: msg, Err: err}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(msg string) *Error {
	return &Error{Kind: KindAuthentication, Msg: msg}
}

// NewUpdateError creates an update error.
func NewUpdateError(msg string, err error) *Error {
	return &Error{Kind: KindUpdate, Msg: msg, Err: err}
}
