package relay

import (
	"time"

	"github.com/bjaus/relay/logger"
)

// Engine defaults.
const (
	DefaultTimeout  = 500 * time.Millisecond
	DefaultDedupTTL = 60 * time.Second

	// DefaultDedupSize caps the remembered notification ids. Past the cap
	// the oldest ids are evicted before their TTL ends.
	DefaultDedupSize = 100_000
)

// Option configures an Engine.
type Option func(*Engine)

// WithMatchOrder sets how routes with equally good matches are ranked.
func WithMatchOrder(o MatchOrder) Option {
	return func(e *Engine) {
		e.order = o
	}
}

// WithForbidDuplicates rejects registrations whose pattern exactly equals an
// existing route's pattern.
func WithForbidDuplicates(forbid bool) Option {
	return func(e *Engine) {
		e.forbidDuplicates = forbid
	}
}

// WithTimeout sets the default call timeout. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaults.Timeout = d
	}
}

// WithSlow sets the default slow-call warning threshold. Zero disables it.
func WithSlow(d time.Duration) Option {
	return func(e *Engine) {
		e.defaults.Slow = d
	}
}

// WithNotify emits every call's outcome on its routing key.
func WithNotify(notify bool) Option {
	return func(e *Engine) {
		e.defaults.Notify = notify
	}
}

// WithStrictDirectives rejects unknown $-directives instead of passing them
// through in Headers.Extra.
func WithStrictDirectives(strict bool) Option {
	return func(e *Engine) {
		e.strict = strict
	}
}

// WithDedupTTL sets how long delivered notification ids are remembered.
func WithDedupTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.dedupTTL = d
	}
}

// WithDedupSize caps how many delivered notification ids are remembered.
// A busy engine needs room for every id seen within the dedup TTL, or an
// evicted id may be delivered again inside the window.
func WithDedupSize(n int) Option {
	return func(e *Engine) {
		e.dedupSize = n
	}
}

// WithErrorPolicy sets the policy applied to handler errors.
//
// Example:
//
//	relay.New(relay.WithErrorPolicy(relay.TerminateOn(relay.ErrPanic)))
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithExitFunc replaces os.Exit for policies that terminate the process.
func WithExitFunc(fn func(code int)) Option {
	return func(e *Engine) {
		e.exit = fn
	}
}
