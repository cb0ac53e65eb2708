package relay

import (
	"errors"
	"fmt"
)

// Kind classifies an error raised by the engine.
type Kind uint8

const (
	// KindHandler is a failure raised by a handler, hook or transport while
	// the chain runs. It is the only kind governed by the error policy.
	KindHandler Kind = iota
	// KindUsage is a malformed call or registration.
	KindUsage
	// KindNotFound means no route matched the call.
	KindNotFound
	// KindDuplicateRoute means an identical pattern is already registered
	// and duplicates are forbidden.
	KindDuplicateRoute
	// KindTimeout means the chain did not finish before its deadline.
	KindTimeout
	// KindTransport means a route targets a transport that is not registered
	// or cannot send.
	KindTransport
	// KindCanceled means the caller's context ended before the chain finished.
	KindCanceled
)

var kindNames = map[Kind]string{
	KindHandler:        "handler",
	KindUsage:          "usage",
	KindNotFound:       "not_found",
	KindDuplicateRoute: "duplicate_route",
	KindTimeout:        "timeout",
	KindTransport:      "transport",
	KindCanceled:       "canceled",
}

// String returns the kind name used in logs and on the wire.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind converts a kind name back into a Kind. Unknown names map to
// KindHandler.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindHandler
}

// Sentinels for errors.Is. Every *Error unwraps to the sentinel of its kind.
var (
	ErrHandler        = errors.New("handler error")
	ErrUsage          = errors.New("usage error")
	ErrNotFound       = errors.New("pattern not found")
	ErrDuplicateRoute = errors.New("duplicate route")
	ErrTimeout        = errors.New("pattern timeout")
	ErrTransport      = errors.New("transport error")
	ErrCanceled       = errors.New("canceled")

	// ErrPanic is wrapped by handler errors recovered from a panic.
	ErrPanic = errors.New("handler panic")

	// ErrNotConnected is wrapped by transports used before Connect.
	ErrNotConnected = errors.New("not connected")
)

var kindSentinels = map[Kind]error{
	KindHandler:        ErrHandler,
	KindUsage:          ErrUsage,
	KindNotFound:       ErrNotFound,
	KindDuplicateRoute: ErrDuplicateRoute,
	KindTimeout:        ErrTimeout,
	KindTransport:      ErrTransport,
	KindCanceled:       ErrCanceled,
}

// Error is the error type returned by the engine.
type Error struct {
	Kind    Kind
	Pattern string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.text()
	if e.Pattern != "" {
		return msg + ": " + e.Pattern
	}
	return msg
}

// text is the error message without the pattern.
func (e *Error) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return kindSentinels[e.Kind].Error()
	}
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of err. Errors not produced by the engine are
// reported as KindHandler.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindHandler
}

func newError(kind Kind, pattern string, format string, args ...any) *Error {
	return &Error{Kind: kind, Pattern: pattern, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, pattern string, err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return e
	}
	return &Error{Kind: kind, Pattern: pattern, Err: err}
}

// panicError wraps a recovered panic value.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }
func (e *panicError) Unwrap() error { return ErrPanic }
