package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bjaus/relay/logger"
)

// Engine matches calls against registered patterns and runs the matched
// route through its execution chain.
//
// Usage:
//  1. Create an engine with New
//  2. Register routes with Add, AddFunc or AddRemote, and hooks with Before and After
//  3. Register transports with RegisterTransport or Use
//  4. Dispatch calls with Act
//
// Engine is safe for concurrent use. Routes may be added and removed while
// calls are in flight; a call sees the route table as of its lookup.
type Engine struct {
	order            MatchOrder
	forbidDuplicates bool
	strict           bool
	defaults         Defaults
	dedupTTL         time.Duration
	dedupSize        int
	policy           ErrorPolicy
	log              logger.Logger
	exit             func(code int)
	hooks            hooks

	routes *routeTable
	bus    *bus

	inflight sync.WaitGroup

	mu       sync.Mutex
	catalog  map[string]map[string]any
	followed map[string]bool
}

// Reply is the raw result of a call: the value and the resolved headers.
type Reply struct {
	Result  any
	Headers *Headers
}

// New creates an Engine with the given options.
//
// Example:
//
//	e := relay.New(
//	    relay.WithTimeout(time.Second),
//	    relay.WithLogger(logger.New("relay")),
//	    relay.WithOnFailure(func(ctx context.Context, h *relay.Headers, err error, d time.Duration) {
//	        metrics.Incr("relay.error", "pattern:"+h.Pattern)
//	    }),
//	)
func New(opts ...Option) *Engine {
	e := &Engine{
		order:     OrderDepth,
		defaults:  Defaults{Timeout: DefaultTimeout},
		dedupTTL:  DefaultDedupTTL,
		dedupSize: DefaultDedupSize,
		policy:    Rethrow(),
		log:       logger.NopLogger{},
		exit:      os.Exit,
		catalog:   make(map[string]map[string]any),
		followed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.routes = newRouteTable(e.order)
	e.bus = newBus(newDedupCache(e.dedupSize, e.dedupTTL), e.log)
	return e
}

// Add registers a handler for a pattern. The pattern may be given in text
// form, as a Pattern, or as a map whose values are Criterion,
// *regexp.Regexp or literals. $-keys are stored as route directives.
//
// Example:
//
//	e.Add("role:greet, lang:en, $timeout:200", greeter)
//	e.Add(relay.Pattern{"role": relay.Literal("greet"), "name": relay.Any()}, greeter)
func (e *Engine) Add(pattern any, h Handler) error {
	if h == nil {
		return newError(KindUsage, "", "pass a handler for the pattern")
	}
	return e.addRoute(pattern, Local(h))
}

// AddFunc is a convenience wrapper around Add for handler functions.
func (e *Engine) AddFunc(pattern any, fn HandlerFunc) error {
	if fn == nil {
		return newError(KindUsage, "", "pass a handler for the pattern")
	}
	return e.Add(pattern, fn)
}

// AddRemote routes a pattern to the named transport. The transport may be
// registered later; a call fails with a transport error if it is still
// missing when the route matches.
func (e *Engine) AddRemote(pattern any, transport string) error {
	if transport == "" {
		return newError(KindUsage, "", "pass a transport name for the pattern")
	}
	return e.addRoute(pattern, Remote(transport))
}

func (e *Engine) addRoute(pattern any, t Target) error {
	p, d, err := e.pattern(pattern)
	if err != nil {
		return err
	}
	if e.strict {
		if _, err := resolveHeaders(d, nil, e.defaults, true); err != nil {
			return wrapError(KindUsage, p.String(), err)
		}
	}
	if err := e.routes.addRoute(&route{pattern: p, directives: d, target: t}, e.forbidDuplicates); err != nil {
		return err
	}
	e.log.Debugw("route added", map[string]any{"pattern": p.String(), "local": t.IsLocal()})
	return nil
}

// Remove unregisters every route whose pattern exactly equals pattern.
// Removing an unknown pattern is not an error.
func (e *Engine) Remove(pattern any) error {
	p, _, err := e.pattern(pattern)
	if err != nil {
		return err
	}
	if e.routes.removeRoute(p) {
		e.log.Debugw("route removed", map[string]any{"pattern": p.String()})
	}
	return nil
}

// Before registers a hook that runs before the target. A nil pattern makes
// it global; otherwise it runs only for calls matching pattern, most
// specific pattern first.
func (e *Engine) Before(pattern any, fn HookFunc) error {
	return e.registerHook(hookBefore, pattern, fn)
}

// After registers a hook that runs after the target and receives its
// result. A nil pattern makes it global; patterned after hooks run general
// first, then global ones.
func (e *Engine) After(pattern any, fn HookFunc) error {
	return e.registerHook(hookAfter, pattern, fn)
}

func (e *Engine) registerHook(kind hookKind, pattern any, fn HookFunc) error {
	if fn == nil {
		return newError(KindUsage, "", "pass a hook function")
	}
	if pattern == nil {
		e.routes.registerHook(kind, nil, fn)
		return nil
	}
	p, _, err := e.pattern(pattern)
	if err != nil {
		return err
	}
	e.routes.registerHook(kind, p, fn)
	return nil
}

// RegisterTransport makes t available to routes added with AddRemote under
// name. Names are unique.
func (e *Engine) RegisterTransport(name string, t Transport, opts ...TransportOption) error {
	if name == "" {
		return newError(KindUsage, "", "transport name is required")
	}
	if t == nil {
		return newError(KindUsage, "", "transport %q is nil", name)
	}
	te := &transportEntry{name: name, transport: t}
	for _, opt := range opts {
		opt(te)
	}
	if err := e.routes.registerTransport(te); err != nil {
		return err
	}
	e.log.Infof("transport %s registered", name)
	return nil
}

// Notify marks calls matching pattern for notification even when neither
// the call nor the route sets $notify.
func (e *Engine) Notify(pattern any) error {
	p, _, err := e.pattern(pattern)
	if err != nil {
		return err
	}
	e.routes.notify.add(p, struct{}{})
	return nil
}

func (e *Engine) pattern(pattern any) (Pattern, Directives, error) {
	p, d, err := normalizePattern(pattern)
	if err != nil {
		return nil, nil, wrapError(KindUsage, "", err)
	}
	if len(p) == 0 {
		return nil, nil, newError(KindUsage, "", "pattern has no criteria")
	}
	return p, d, nil
}

// Act dispatches a call and returns the result of its chain.
//
// Arguments are message fragments in text form, Message or map[string]any;
// later fragments override earlier ones key by key. $-keys are call
// directives.
//
// Example:
//
//	res, err := e.Act(ctx, "role:greet, lang:en", relay.Message{"name": "bob", "$timeout": 100})
func (e *Engine) Act(ctx context.Context, args ...any) (any, error) {
	r, err := e.ActRaw(ctx, args...)
	if err != nil {
		return nil, err
	}
	return r.Result, nil
}

// ActRaw is Act returning the resolved headers along with the result.
//
// The dispatch flow:
//  1. Merge the arguments into one message and one set of directives
//  2. Look up the best route, in the local-only index when $local is set
//  3. Resolve headers from route directives, call directives and defaults
//  4. Resolve the target: a local handler or a registered transport
//  5. Build the chain: before hooks, target, after hooks, slow warning
//  6. Run the chain under the call timeout, or detached for $nowait
//  7. Apply the error policy to handler errors
//  8. Emit the outcome on the routing key when notification is enabled
func (e *Engine) ActRaw(ctx context.Context, args ...any) (*Reply, error) {
	start := time.Now()

	msg, directives, err := normalizeMessage(args...)
	if err != nil {
		return nil, wrapError(KindUsage, "", err)
	}
	if len(msg) == 0 {
		return nil, newError(KindUsage, "", "specify at least one search pattern")
	}

	local, err := boolValue(directives[DirectiveLocal])
	if err != nil {
		return nil, wrapError(KindUsage, msg.String(), fmt.Errorf("directive $%s: %w", DirectiveLocal, err))
	}
	r, ok := e.routes.lookup(msg, local)
	if !ok {
		e.callOnNotFound(ctx, msg)
		return nil, newError(KindNotFound, msg.String(), "pattern not found")
	}

	h, err := resolveHeaders(r.directives, directives, e.defaults, e.strict)
	if err != nil {
		return nil, wrapError(KindUsage, r.pattern.String(), err)
	}
	h.Pattern = r.pattern.String()
	if !h.Notify {
		_, h.Notify = e.routes.notify.lookup(msg)
	}

	target, err := e.target(r, h)
	if err != nil {
		return nil, err
	}
	c := e.chain(msg, target, start, h)

	e.callOnDispatch(ctx, h)

	if h.Nowait {
		reply := &Reply{Headers: h.clone()}
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.detach(ctx, c, msg, h, start)
		}()
		return reply, nil
	}

	result, err := c.race(ctx, msg, h)
	result, err = e.settle(ctx, msg, h, result, err, start)
	if err != nil {
		return nil, err
	}
	return &Reply{Result: result, Headers: h}, nil
}

// target resolves the step that performs the call.
func (e *Engine) target(r *route, h *Headers) (step, error) {
	if r.target.IsLocal() {
		return handlerStep(r.target.handler), nil
	}
	te, ok := e.routes.transport(r.target.transport)
	if !ok {
		return nil, newError(KindTransport, h.Pattern, "transport %q is not registered", r.target.transport)
	}
	if !h.timeoutSet && te.timeout > 0 {
		h.Timeout = te.timeout
	}
	return transportStep(te.transport), nil
}

func (e *Engine) chain(msg Message, target step, start time.Time, h *Headers) chain {
	before, after := e.routes.hooks(msg)
	c := make(chain, 0, len(before)+len(after)+2)
	for _, fn := range before {
		c = append(c, hookStep(fn))
	}
	c = append(c, target)
	for _, fn := range after {
		c = append(c, hookStep(fn))
	}
	if h.Slow > 0 {
		c = append(c, slowStep(start, h.Slow, e.reportSlow))
	}
	return c
}

func (e *Engine) reportSlow(ctx context.Context, elapsed time.Duration, h *Headers) {
	text := fmt.Sprintf("pattern executed in %s: %s", elapsed, h.Pattern)
	e.log.Warnf("%s", text)
	e.callOnSlow(ctx, h, elapsed)
	e.bus.event(Event{Topic: EventSlow, ID: h.ID, Text: text})
}

// detach runs a $nowait chain. Failures go through the error policy and the
// log; the caller already has its reply.
func (e *Engine) detach(ctx context.Context, c chain, msg Message, h *Headers, start time.Time) {
	ctx = context.WithoutCancel(ctx)
	result, err := c.race(ctx, msg, h)
	if _, err := e.settle(ctx, msg, h, result, err, start); err != nil {
		e.log.Errorf("detached call %s failed: %v", h.ID, err)
	}
}

// settle finishes a call: it runs the observability hooks, applies the
// error policy and emits the notification.
func (e *Engine) settle(ctx context.Context, msg Message, h *Headers, result any, err error, start time.Time) (any, error) {
	d := time.Since(start)
	if err == nil {
		e.callOnSuccess(ctx, h, d)
		e.notify(ctx, msg, h, result, nil)
		return result, nil
	}

	e.callOnFailure(ctx, h, err, d)

	var re *Error
	if errors.As(err, &re) && re.Kind != KindHandler {
		return nil, err
	}
	herr := wrapError(KindHandler, h.Pattern, err)

	if fc, ok := e.policy.(fatalClassifier); ok && fc.terminates(herr) {
		e.log.Errorf("fatal handler error, terminating: %v", herr)
		e.exit(1)
		return nil, herr
	}
	if e.policy.Handle(herr) {
		e.log.Warnf("handler error muted: %v", herr)
		e.notify(ctx, msg, h, nil, herr)
		return nil, nil
	}
	return nil, herr
}

// notify emits the outcome locally and through every publishing transport
// named in the call's notify targets.
func (e *Engine) notify(ctx context.Context, msg Message, h *Headers, result any, err error) {
	if !h.Notify {
		return
	}
	n := Notification{
		Key:     msg.RoutingKey(),
		Result:  result,
		Err:     err,
		Message: msg,
		Headers: h,
	}
	e.bus.publish(ctx, n)

	for _, name := range h.Targets {
		te, ok := e.routes.transport(name)
		if !ok {
			e.log.Warnf("notify target %s is not registered", name)
			continue
		}
		pub, ok := te.transport.(Publisher)
		if !ok {
			e.log.Warnf("notify target %s cannot publish", name)
			continue
		}
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			if err := pub.Publish(context.WithoutCancel(ctx), n); err != nil {
				e.log.Errorf("publish notification %s through %s: %v", h.ID, name, err)
			}
		}()
	}
}

// Follow calls fn for every notification whose routing key contains every
// literal key/value pair of pattern. It also subscribes every transport
// implementing Follower, so remote notifications are delivered too. Each
// message id reaches fn at most once within the dedup window.
//
// The returned function cancels the subscription.
func (e *Engine) Follow(ctx context.Context, pattern any, fn FollowFunc) (func(), error) {
	if fn == nil {
		return nil, newError(KindUsage, "", "pass a follow function")
	}
	p, _, err := e.pattern(pattern)
	if err != nil {
		return nil, err
	}
	unsubscribe := e.bus.subscribe(&subscription{expr: followTopic(p), follow: fn})
	if err := e.followRemote(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// followRemote subscribes each Follower transport once. Transports that
// are not connected yet are skipped; Connect runs it again.
func (e *Engine) followRemote(ctx context.Context) error {
	for _, te := range e.routes.transportList() {
		f, ok := te.transport.(Follower)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.followed[te.name] {
			e.mu.Unlock()
			continue
		}
		e.followed[te.name] = true
		e.mu.Unlock()

		if err := f.Follow(ctx, e.deliverRemote); err != nil {
			e.mu.Lock()
			delete(e.followed, te.name)
			e.mu.Unlock()
			if errors.Is(err, ErrNotConnected) {
				// Connect subscribes it later.
				e.log.Debugf("%s not connected, deferring follow", te.name)
				continue
			}
			return wrapError(KindTransport, "", fmt.Errorf("follow through %s: %w", te.name, err))
		}
		e.log.Infof("following notifications through %s", te.name)
	}
	return nil
}

// deliverRemote hands a notification received by a transport to local
// followers.
func (e *Engine) deliverRemote(n Notification) {
	if n.Headers == nil || n.Headers.ID == "" {
		e.log.Warnf("remote notification without id dropped")
		return
	}
	if n.Key == "" {
		n.Key = n.Message.RoutingKey()
	}
	e.bus.publish(context.Background(), n)
}

// OnEvent calls fn for every engine event whose topic matches topic. Topics
// are dot separated; "*" matches one segment and "**" any number.
//
// Example:
//
//	e.OnEvent("notify.*.error", func(ev relay.Event) { log.Errorf("follower failed: %v", ev.Err) })
func (e *Engine) OnEvent(topic string, fn EventFunc) func() {
	return e.bus.subscribe(&subscription{expr: topic, event: fn})
}

// Wait blocks until detached calls, notification deliveries and publishes
// finish, or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.bus.wait(ctx)
}

// Patterns returns the patterns of every registered route.
func (e *Engine) Patterns() []Pattern {
	return e.routes.global.patterns()
}
