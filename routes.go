package relay

import (
	"slices"
	"sync"
)

type targetKind uint8

const (
	targetLocal targetKind = iota
	targetRemote
)

// Target is what a route dispatches to: a local handler or the name of a
// registered transport.
type Target struct {
	kind      targetKind
	handler   Handler
	transport string
}

// Local returns a Target running h in process.
func Local(h Handler) Target {
	return Target{kind: targetLocal, handler: h}
}

// Remote returns a Target sending calls through the named transport.
func Remote(transport string) Target {
	return Target{kind: targetRemote, transport: transport}
}

// IsLocal reports whether the target is an in-process handler.
func (t Target) IsLocal() bool { return t.kind == targetLocal }

// Transport returns the transport name of a remote target.
func (t Target) Transport() string { return t.transport }

// route is a registration entry. It is immutable once added.
type route struct {
	pattern    Pattern
	directives Directives
	target     Target
}

// routeTable owns every index of an engine.
type routeTable struct {
	global *index[*route]
	local  *index[*route]
	before *index[HookFunc]
	after  *index[HookFunc]
	notify *index[struct{}]

	// routeMu serializes route writes so a duplicate check and its insert
	// are one step. Lookups only take the index locks.
	routeMu sync.Mutex

	mu           sync.RWMutex
	globalBefore []HookFunc
	globalAfter  []HookFunc
	transports   map[string]*transportEntry
}

func newRouteTable(order MatchOrder) *routeTable {
	return &routeTable{
		global:     newIndex[*route](order),
		local:      newIndex[*route](order),
		before:     newIndex[HookFunc](order),
		after:      newIndex[HookFunc](order),
		notify:     newIndex[struct{}](order),
		transports: make(map[string]*transportEntry),
	}
}

// addRoute registers r in the global index, and in the local index when
// its target is an in-process handler. With forbidDuplicates set, an
// existing route with exactly the same pattern is an error.
func (t *routeTable) addRoute(r *route, forbidDuplicates bool) error {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()

	if forbidDuplicates && t.global.exact(r.pattern) {
		return newError(KindDuplicateRoute, r.pattern.String(), "same pattern already exists")
	}
	t.global.add(r.pattern, r)
	if r.target.IsLocal() {
		t.local.add(r.pattern, r)
	}
	return nil
}

// removeRoute removes the routes registered with exactly pattern p.
func (t *routeTable) removeRoute(p Pattern) bool {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()

	removed := t.global.remove(p)
	t.local.remove(p)
	return removed
}

// lookup finds the best route for msg.
func (t *routeTable) lookup(msg Message, localOnly bool) (*route, bool) {
	ix := t.global
	if localOnly {
		ix = t.local
	}
	e, ok := ix.lookup(msg)
	if !ok {
		return nil, false
	}
	return e.value, true
}

type hookKind uint8

const (
	hookBefore hookKind = iota
	hookAfter
)

// registerHook adds a global hook when p is nil, otherwise a hook that runs
// only for calls matching p.
func (t *routeTable) registerHook(kind hookKind, p Pattern, fn HookFunc) {
	if p == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if kind == hookBefore {
			t.globalBefore = append(t.globalBefore, fn)
		} else {
			t.globalAfter = append(t.globalAfter, fn)
		}
		return
	}
	if kind == hookBefore {
		t.before.add(p, fn)
	} else {
		t.after.add(p, fn)
	}
}

// hooks returns the before and after hooks for msg in execution order:
// global before, patterned before (specific first), then patterned after
// (general first), global after.
func (t *routeTable) hooks(msg Message) (before, after []HookFunc) {
	t.mu.RLock()
	before = slices.Clone(t.globalBefore)
	globalAfter := slices.Clone(t.globalAfter)
	t.mu.RUnlock()

	before = append(before, t.before.list(msg)...)
	after = t.after.list(msg)
	slices.Reverse(after)
	after = append(after, globalAfter...)
	return before, after
}

// registerTransport stores a transport under a unique name.
func (t *routeTable) registerTransport(te *transportEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.transports[te.name]; ok {
		return newError(KindUsage, "", "transport %q already registered", te.name)
	}
	t.transports[te.name] = te
	return nil
}

func (t *routeTable) transport(name string) (*transportEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	te, ok := t.transports[name]
	return te, ok
}

// transportList returns every registered transport.
func (t *routeTable) transportList() []*transportEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*transportEntry, 0, len(t.transports))
	for _, te := range t.transports {
		out = append(out, te)
	}
	return out
}
