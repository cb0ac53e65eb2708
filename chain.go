package relay

import (
	"context"
	"errors"
	"time"
)

type outcomeKind uint8

const (
	outcomeContinue outcomeKind = iota
	outcomeShortCircuit
	outcomeFailed
)

// outcome is the result of one chain step.
type outcome struct {
	kind  outcomeKind
	value any
	err   error
}

func proceed(v any) outcome      { return outcome{kind: outcomeContinue, value: v} }
func shortCircuit(v any) outcome { return outcome{kind: outcomeShortCircuit, value: v} }
func failed(err error) outcome   { return outcome{kind: outcomeFailed, err: err} }

// step is one element of an execution chain.
type step func(ctx context.Context, in any, h *Headers) outcome

// chain is the ordered sequence of steps built for one call.
type chain []step

// run reduces the chain: each step receives the previous step's value.
// A short circuit ends the chain with its value; a failure ends it with its
// error.
func (c chain) run(ctx context.Context, in any, h *Headers) (any, error) {
	v := in
	for _, s := range c {
		o := s(ctx, v, h)
		switch o.kind {
		case outcomeFailed:
			return nil, o.err
		case outcomeShortCircuit:
			return o.value, nil
		default:
			v = o.value
		}
	}
	return v, nil
}

// hookStep runs a before or after hook and honors Break.
func hookStep(fn HookFunc) step {
	return func(ctx context.Context, in any, h *Headers) outcome {
		out, err := safeCall(func() (any, error) { return fn(ctx, in, h) })
		if err != nil {
			return failed(err)
		}
		if h.Break {
			return shortCircuit(out)
		}
		return proceed(out)
	}
}

// handlerStep runs a local handler. The value reaching it must still be a
// message.
func handlerStep(handler Handler) step {
	return func(ctx context.Context, in any, h *Headers) outcome {
		msg, err := asMessage(in, h)
		if err != nil {
			return failed(err)
		}
		out, err := safeCall(func() (any, error) { return handler.Handle(ctx, msg, h) })
		if err != nil {
			return failed(err)
		}
		return proceed(out)
	}
}

// transportStep sends the call through a transport.
func transportStep(t Transport) step {
	return func(ctx context.Context, in any, h *Headers) outcome {
		msg, err := asMessage(in, h)
		if err != nil {
			return failed(err)
		}
		out, err := safeCall(func() (any, error) { return t.Send(ctx, msg, h) })
		if err != nil {
			return failed(err)
		}
		return proceed(out)
	}
}

// slowStep reports calls whose elapsed time since start exceeds threshold.
// It passes its input through unchanged.
func slowStep(start time.Time, threshold time.Duration, report func(context.Context, time.Duration, *Headers)) step {
	return func(ctx context.Context, in any, h *Headers) outcome {
		if elapsed := time.Since(start); elapsed > threshold {
			report(ctx, elapsed, h)
		}
		return proceed(in)
	}
}

func asMessage(v any, h *Headers) (Message, error) {
	switch m := v.(type) {
	case Message:
		return m, nil
	case map[string]any:
		return Message(m), nil
	default:
		return nil, newError(KindUsage, h.Pattern, "before hook passed %T to the handler, want relay.Message", v)
	}
}

// safeCall converts a panic into an error wrapping ErrPanic.
func safeCall(fn func() (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &panicError{value: r}
		}
	}()
	return fn()
}

// race runs c under h.Timeout and the caller's context. When either ends
// first the call returns a timeout or cancellation error; the chain keeps
// running in the background with a cancelled context it may observe.
//
// The chain runs on a copy of h. The copy is written back only when the
// chain finishes first, so a straggler never touches the caller's headers.
func (c chain) race(ctx context.Context, in any, h *Headers) (any, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if h.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	run := h.clone()
	go func() {
		v, err := c.run(runCtx, in, run)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		*h = *run
		if r.err != nil && runCtx.Err() != nil && errors.Is(r.err, runCtx.Err()) {
			return nil, deadlineError(ctx, runCtx, h)
		}
		return r.v, r.err
	case <-runCtx.Done():
		// Prefer a result that landed at the same instant.
		select {
		case r := <-done:
			if r.err == nil {
				*h = *run
				return r.v, nil
			}
		default:
		}
		return nil, deadlineError(ctx, runCtx, h)
	}
}

// deadlineError explains why runCtx ended: the caller's context or the
// call's own timeout.
func deadlineError(parent, runCtx context.Context, h *Headers) error {
	if parent.Err() != nil {
		return &Error{Kind: KindCanceled, Pattern: h.Pattern, Err: parent.Err()}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, h.Pattern, "pattern timeout after %s", h.Timeout)
	}
	return &Error{Kind: KindCanceled, Pattern: h.Pattern, Err: runCtx.Err()}
}
