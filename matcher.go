package relay

import (
	"fmt"
	"slices"
	"sync"
)

// MatchOrder selects which entry wins when several patterns match a call.
type MatchOrder uint8

const (
	// OrderDepth prefers the pattern with the most keys. Ties go to the
	// earliest registration.
	OrderDepth MatchOrder = iota
	// OrderInsertion prefers the earliest registration regardless of
	// specificity.
	OrderInsertion
)

// String returns the order name used in configuration.
func (o MatchOrder) String() string {
	switch o {
	case OrderDepth:
		return "depth"
	case OrderInsertion:
		return "insertion"
	default:
		return "unknown"
	}
}

// ParseMatchOrder converts a configuration name into a MatchOrder.
func ParseMatchOrder(s string) (MatchOrder, error) {
	switch s {
	case "", "depth":
		return OrderDepth, nil
	case "insertion":
		return OrderInsertion, nil
	default:
		return 0, fmt.Errorf("unknown match order %q", s)
	}
}

// entry is one registration in an index. Entries are never mutated after
// insertion.
type entry[V any] struct {
	pattern Pattern
	value   V
	seq     uint64
}

// index maps patterns to values and answers best-match queries.
//
// Entries are kept sorted by the index order so lookup is the first match
// of a linear scan.
type index[V any] struct {
	mu      sync.RWMutex
	order   MatchOrder
	entries []*entry[V]
	seq     uint64
}

func newIndex[V any](order MatchOrder) *index[V] {
	return &index[V]{order: order}
}

// add inserts a registration.
func (ix *index[V]) add(p Pattern, v V) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.seq++
	e := &entry[V]{pattern: p, value: v, seq: ix.seq}
	if ix.order == OrderInsertion {
		ix.entries = append(ix.entries, e)
		return
	}
	// Keep depth order: more keys first, then earlier registration.
	pos, _ := slices.BinarySearchFunc(ix.entries, e, compareDepth[V])
	ix.entries = slices.Insert(ix.entries, pos, e)
}

// remove deletes every entry whose pattern equals p exactly and reports
// whether anything was removed.
func (ix *index[V]) remove(p Pattern) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := len(ix.entries)
	ix.entries = slices.DeleteFunc(ix.entries, func(e *entry[V]) bool {
		return e.pattern.Equal(p)
	})
	return len(ix.entries) != n
}

// lookup returns the best entry matching msg.
func (ix *index[V]) lookup(msg Message) (*entry[V], bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, e := range ix.entries {
		if e.pattern.Match(msg) {
			return e, true
		}
	}
	return nil, false
}

// list returns the values of every entry matching msg, most specific first.
func (ix *index[V]) list(msg Message) []V {
	ix.mu.RLock()
	var matched []*entry[V]
	for _, e := range ix.entries {
		if e.pattern.Match(msg) {
			matched = append(matched, e)
		}
	}
	ix.mu.RUnlock()

	if ix.order == OrderInsertion {
		slices.SortStableFunc(matched, compareDepth[V])
	}
	out := make([]V, len(matched))
	for i, e := range matched {
		out[i] = e.value
	}
	return out
}

// exact reports whether a pattern with the same key set and criteria exists.
func (ix *index[V]) exact(p Pattern) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return slices.ContainsFunc(ix.entries, func(e *entry[V]) bool {
		return e.pattern.Equal(p)
	})
}

// patterns returns the registered patterns in index order.
func (ix *index[V]) patterns() []Pattern {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Pattern, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = e.pattern
	}
	return out
}

func compareDepth[V any](a, b *entry[V]) int {
	if d := len(b.pattern) - len(a.pattern); d != 0 {
		return d
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}
