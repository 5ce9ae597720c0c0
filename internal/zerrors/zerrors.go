// Package zerrors defines the error kinds the daemon produces,
// checked with zerrors.Is by callers that need to branch on failure kind
// (notably the HTTP API's status-code mapping).
package zerrors

import "errors"

type Kind int

const (
	NotFound Kind = iota
	MachineBusy
	AlreadyRunning
	SpawnFailed
	UnknownRuntime
	UnknownDiskType
	DatastoreUninitialized
	ValidationFailed
	RuntimeError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case MachineBusy:
		return "MachineBusy"
	case AlreadyRunning:
		return "AlreadyRunning"
	case SpawnFailed:
		return "SpawnFailed"
	case UnknownRuntime:
		return "UnknownRuntime"
	case UnknownDiskType:
		return "UnknownDiskType"
	case DatastoreUninitialized:
		return "DatastoreUninitialized"
	case ValidationFailed:
		return "ValidationFailed"
	case RuntimeError:
		return "RuntimeError"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// failure category without string matching.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
