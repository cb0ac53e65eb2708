package relay

import (
	"context"
	"encoding/json"
)

// Handler executes an action for a matched call and returns its result.
//
// The message holds every key of the call, including keys the route's
// pattern does not name. The headers are the call's resolved options.
type Handler interface {
	Handle(ctx context.Context, msg Message, h *Headers) (any, error)
}

// HandlerFunc is a function adapter for Handler:
//
//	e.AddFunc("role:greet,lang:en", func(ctx context.Context, msg relay.Message, h *relay.Headers) (any, error) {
//	    return "hello", nil
//	})
type HandlerFunc func(ctx context.Context, msg Message, h *Headers) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, msg Message, h *Headers) (any, error) {
	return f(ctx, msg, h)
}

// HookFunc is a before or after step of the execution chain. Each step
// receives the output of the previous one: before hooks start from the call
// Message, after hooks start from the handler result. A before hook passes
// the message on by returning it (modified or not).
//
// Setting h.Break short-circuits the chain and makes the hook's return value
// the final result.
type HookFunc func(ctx context.Context, in any, h *Headers) (any, error)

// validatable is the interface for payload validation.
// Compatible with github.com/go-ozzo/ozzo-validation/v4.
type validatable interface {
	Validate() error
}

// Func (function) processes a typed payload and returns a typed result.
//
// Use Typed to register it: the message is decoded into T through JSON and
// validated if T implements Validate() error.
//
//	type GreetFunc struct{}
//
//	func (GreetFunc) Call(ctx context.Context, in GreetInput) (string, error) {
//	    return "hello " + in.Name, nil
//	}
//
//	e.Add("role:greet", relay.Typed[GreetInput, string](GreetFunc{}))
type Func[T, R any] interface {
	Call(ctx context.Context, payload T) (R, error)
}

// FuncFunc is a function adapter for Func.
type FuncFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Call implements the Func interface.
func (f FuncFunc[T, R]) Call(ctx context.Context, payload T) (R, error) {
	return f(ctx, payload)
}

// Typed adapts a Func to a Handler.
//
// This is a package-level function (not a method) due to Go generics limitations:
// methods cannot have type parameters independent of the receiver.
func Typed[T, R any](f Func[T, R]) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message, _ *Headers) (any, error) {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, &unmarshalError{err: err}
		}
		var data T
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, &unmarshalError{err: err}
		}

		if v, ok := any(data).(validatable); ok {
			if err := v.Validate(); err != nil {
				return nil, &validationError{err: err}
			}
		} else if v, ok := any(&data).(validatable); ok {
			if err := v.Validate(); err != nil {
				return nil, &validationError{err: err}
			}
		}

		return f.Call(ctx, data)
	})
}

// TypedFunc is Typed for a plain function.
func TypedFunc[T, R any](fn func(ctx context.Context, payload T) (R, error)) Handler {
	return Typed[T, R](FuncFunc[T, R](fn))
}

// unmarshalError wraps payload decoding errors so we can identify them.
type unmarshalError struct {
	err error
}

func (e *unmarshalError) Error() string { return "unmarshal payload: " + e.err.Error() }
func (e *unmarshalError) Unwrap() error { return e.err }

// validationError wraps validation errors so we can identify them.
type validationError struct {
	err error
}

func (e *validationError) Error() string { return "validate payload: " + e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }
