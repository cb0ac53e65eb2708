package relay

import (
	"context"
	"time"
)

// OnDispatchFunc is called after a call matched a route, just before its
// chain runs.
type OnDispatchFunc func(ctx context.Context, h *Headers)

// OnSuccessFunc is called after a chain completes successfully.
type OnSuccessFunc func(ctx context.Context, h *Headers, duration time.Duration)

// OnFailureFunc is called after a chain fails, including timeouts and
// errors the error policy muted.
type OnFailureFunc func(ctx context.Context, h *Headers, err error, duration time.Duration)

// OnNotFoundFunc is called when no route matches a call. The call fails
// with a not-found error regardless.
type OnNotFoundFunc func(ctx context.Context, msg Message)

// OnSlowFunc is called when a call exceeds its slow threshold.
type OnSlowFunc func(ctx context.Context, h *Headers, elapsed time.Duration)

// hooks holds all configured observability hooks.
type hooks struct {
	onDispatch []OnDispatchFunc
	onSuccess  []OnSuccessFunc
	onFailure  []OnFailureFunc
	onNotFound []OnNotFoundFunc
	onSlow     []OnSlowFunc
}

// WithOnDispatch adds a hook called after a route matched, before the
// chain runs. Multiple hooks are called in order.
//
// Example:
//
//	relay.WithOnDispatch(func(ctx context.Context, h *relay.Headers) {
//	    log.Debugf("dispatching %s (%s)", h.Pattern, h.ID)
//	})
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(e *Engine) {
		e.hooks.onDispatch = append(e.hooks.onDispatch, fn)
	}
}

// WithOnSuccess adds a hook called after a chain completes successfully.
// Multiple hooks are called in order.
//
// Example:
//
//	relay.WithOnSuccess(func(ctx context.Context, h *relay.Headers, d time.Duration) {
//	    metrics.Timing("relay.success", d, "pattern:"+h.Pattern)
//	})
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(e *Engine) {
		e.hooks.onSuccess = append(e.hooks.onSuccess, fn)
	}
}

// WithOnFailure adds a hook called after a chain fails.
// Multiple hooks are called in order.
func WithOnFailure(fn OnFailureFunc) Option {
	return func(e *Engine) {
		e.hooks.onFailure = append(e.hooks.onFailure, fn)
	}
}

// WithOnNotFound adds a hook called when no route matches a call.
func WithOnNotFound(fn OnNotFoundFunc) Option {
	return func(e *Engine) {
		e.hooks.onNotFound = append(e.hooks.onNotFound, fn)
	}
}

// WithOnSlow adds a hook called when a call exceeds its slow threshold.
func WithOnSlow(fn OnSlowFunc) Option {
	return func(e *Engine) {
		e.hooks.onSlow = append(e.hooks.onSlow, fn)
	}
}

func (e *Engine) callOnDispatch(ctx context.Context, h *Headers) {
	for _, fn := range e.hooks.onDispatch {
		fn(ctx, h)
	}
}

func (e *Engine) callOnSuccess(ctx context.Context, h *Headers, d time.Duration) {
	for _, fn := range e.hooks.onSuccess {
		fn(ctx, h, d)
	}
}

func (e *Engine) callOnFailure(ctx context.Context, h *Headers, err error, d time.Duration) {
	for _, fn := range e.hooks.onFailure {
		fn(ctx, h, err, d)
	}
}

func (e *Engine) callOnNotFound(ctx context.Context, msg Message) {
	for _, fn := range e.hooks.onNotFound {
		fn(ctx, msg)
	}
}

func (e *Engine) callOnSlow(ctx context.Context, h *Headers, elapsed time.Duration) {
	for _, fn := range e.hooks.onSlow {
		fn(ctx, h, elapsed)
	}
}
