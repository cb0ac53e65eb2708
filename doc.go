// Package relay is a pattern-matching action router.
//
// Handlers are registered under patterns: sets of key/criterion pairs.
// A call is a message, a set of key/value pairs, and it is dispatched to
// the registered route whose pattern matches it best. Routes run in process
// or are forwarded to a remote engine through a transport.
//
// # Quick Start
//
//	e := relay.New()
//
//	e.AddFunc("role:greet, lang:en", func(ctx context.Context, msg relay.Message, h *relay.Headers) (any, error) {
//	    return "hello " + fmt.Sprint(msg["name"]), nil
//	})
//
//	res, err := e.Act(ctx, "role:greet, lang:en", relay.Message{"name": "bob"})
//	// res == "hello bob"
//
// # Patterns
//
// A pattern maps keys to criteria:
//   - Literal: the message value must equal the literal. Values compare by
//     text form, so 1 and "1" are equal.
//   - Any: the key must be present with any value.
//   - Regexp: the text form of the value must match.
//
// Patterns and messages are also written as text: comma separated
// key:value pairs. A key without a value is Any in a pattern and true in a
// message; /.../ is a regular expression; $-prefixed keys are directives.
//
//	role:test, act:/echo.*/, $timeout:500
//
// A pattern matches a message when every pattern key is satisfied. Extra
// message keys are ignored. With the default depth order the route with the
// most keys wins and ties go to the route registered first; WithMatchOrder
// selects insertion order instead.
//
// # Directives
//
// Directives are set on routes at registration and on calls; the call wins:
//   - $timeout: milliseconds before the call fails with ErrTimeout (0 disables)
//   - $slow: milliseconds after which a slow warning is logged
//   - $local: only consider in-process routes
//   - $nowait: return immediately and run the call detached
//   - $notify: emit the outcome to followers; a transport name or a|b list
//     also publishes through those transports
//   - $id: the call id, generated when absent
//
// Unknown directives are kept in Headers.Extra, or rejected with
// WithStrictDirectives.
//
// # Execution Chain
//
// Each call runs a chain: global before hooks, matching before hooks (most
// specific first), the target, matching after hooks (most general first),
// global after hooks. Each step receives the previous step's output. A hook
// that sets Headers.Break ends the chain with its own output.
//
// The chain runs under the call timeout. On expiry the call returns a
// timeout error while the chain keeps running with a cancelled context;
// handlers that honor ctx stop early.
//
// # Errors
//
// Every error returned by the engine is a *Error with a Kind, and matches
// the sentinel of its kind with errors.Is:
//
//	_, err := e.Act(ctx, "role:unknown")
//	if errors.Is(err, relay.ErrNotFound) { ... }
//
// Handler errors go through the ErrorPolicy (Rethrow by default, Mute,
// TerminateOn). Usage, not-found, transport, timeout and cancellation
// errors always reach the caller.
//
// # Notifications
//
// Calls with $notify, calls matching a pattern passed to Notify, and every
// call of an engine created WithNotify(true), emit their outcome. Follow
// subscribes to the outcomes of calls matching a pattern, locally and
// through transports that implement Follower:
//
//	stop, err := e.Follow(ctx, "role:greet", func(ctx context.Context, n relay.Notification) error {
//	    log.Printf("%s -> %v", n.Key, n.Result)
//	    return nil
//	})
//
// A notification with the same id reaches a follower at most once within
// the dedup window (WithDedupTTL).
//
// # Transports
//
// A Transport sends calls to a remote engine. It may also implement
// Connector, Server, Follower and Publisher; the engine fans Connect,
// Disconnect, Listen and Close out to every registered transport. Transports
// share the Envelope wire format. The transport/mqtt and transport/nats
// packages provide implementations.
//
// # Hooks
//
// Observability hooks report call outcomes without coupling the engine to
// a logging or metrics system:
//
//	e := relay.New(
//	    relay.WithOnSuccess(func(ctx context.Context, h *relay.Headers, d time.Duration) {
//	        metrics.Timing("relay.success", d, "pattern:"+h.Pattern)
//	    }),
//	)
//
// The metrics package installs Prometheus collectors this way.
package relay
