package relay

import "errors"

// ErrorPolicy decides what happens to a handler error. Returning false
// rethrows the error to the caller; returning true reports it as handled and
// the call resolves with no value. A policy may also terminate the process.
//
// Only KindHandler errors reach the policy. Usage, not-found, transport,
// timeout and cancellation errors are always returned to the caller.
type ErrorPolicy interface {
	Handle(err error) bool
}

// PolicyFunc adapts a function to ErrorPolicy.
type PolicyFunc func(err error) bool

// Handle implements ErrorPolicy.
func (f PolicyFunc) Handle(err error) bool { return f(err) }

// Rethrow returns every handler error to the caller. This is the default.
func Rethrow() ErrorPolicy {
	return PolicyFunc(func(error) bool { return false })
}

// Mute swallows every handler error. The engine logs muted errors.
func Mute() ErrorPolicy {
	return PolicyFunc(func(error) bool { return true })
}

// TerminateOn exits the process when a handler error matches one of targets
// (errors.Is) and rethrows every other error.
//
//	relay.New(relay.WithErrorPolicy(relay.TerminateOn(relay.ErrPanic, sql.ErrConnDone)))
func TerminateOn(targets ...error) ErrorPolicy {
	return TerminateOnFunc(func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// TerminateOnFunc exits the process when fatal reports true and rethrows
// every other error.
func TerminateOnFunc(fatal func(error) bool) ErrorPolicy {
	return terminatePolicy{fatal: fatal}
}

type terminatePolicy struct {
	fatal func(error) bool
}

func (p terminatePolicy) Handle(error) bool { return false }

// terminates reports whether the policy classifies err as fatal.
func (p terminatePolicy) terminates(err error) bool {
	return p.fatal != nil && p.fatal(err)
}

// fatalClassifier is implemented by policies that can end the process.
type fatalClassifier interface {
	terminates(err error) bool
}
