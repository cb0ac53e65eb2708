package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bjaus/relay/logger"
)

// Event topics emitted by the engine besides notification routing keys.
const (
	// EventWarning fires when a duplicate notification is dropped.
	EventWarning = "warning"
	// EventSlow fires when a call exceeds its slow threshold.
	EventSlow = "slow"
)

// Notification is the emission of one call's outcome on its routing key.
type Notification struct {
	// Key is the routing key derived from the call message.
	Key string
	// Result is the handler result. Nil when Err is set.
	Result any
	// Err is the handler error that the error policy handled, if any.
	Err error
	// Message is the call message.
	Message Message
	// Headers are the call's resolved headers. Headers.ID identifies the
	// logical message for deduplication.
	Headers *Headers
}

// FollowFunc receives notifications for a followed pattern. A returned
// error (or panic) is reported as a notify.<id>.error event and never
// reaches the call that produced the notification.
type FollowFunc func(ctx context.Context, n Notification) error

// Event is delivered to OnEvent listeners.
type Event struct {
	Topic        string
	ID           string
	Text         string
	Err          error
	Notification *Notification
}

// EventFunc receives engine events. It runs on the emitting goroutine and
// must not block.
type EventFunc func(Event)

type subscription struct {
	id     uint64
	expr   string
	follow FollowFunc
	event  EventFunc
}

// bus routes notifications to followers and events to event listeners.
type bus struct {
	mu     sync.RWMutex
	seq    uint64
	subs   []*subscription
	dedup  *dedupCache
	log    logger.Logger
	wg     sync.WaitGroup
	closed bool
}

func newBus(dedup *dedupCache, log logger.Logger) *bus {
	return &bus{dedup: dedup, log: log}
}

func (b *bus) subscribe(s *subscription) func() {
	b.mu.Lock()
	b.seq++
	s.id = b.seq
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *bus) matching(topic string, follows bool) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	match := topicMatch
	if follows {
		match = pairMatch
	}
	var out []*subscription
	for _, s := range b.subs {
		if (s.follow != nil) != follows {
			continue
		}
		if match(s.expr, topic) {
			out = append(out, s)
		}
	}
	return out
}

func (b *bus) hasFollowers() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.follow != nil {
			return true
		}
	}
	return false
}

// publish delivers n to every matching follower on its own goroutine.
func (b *bus) publish(ctx context.Context, n Notification) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range b.matching(n.Key, true) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(ctx, s, n)
		}()
	}
}

// deliver invokes one follower unless it already saw the same id within
// the dedup window.
func (b *bus) deliver(ctx context.Context, s *subscription, n Notification) {
	id := n.Headers.ID
	if b.dedup.seen(fmt.Sprintf("%d/%s", s.id, id)) {
		b.log.Debugf("notification %s dropped: already delivered", id)
		b.event(Event{
			Topic:        EventWarning,
			ID:           id,
			Text:         fmt.Sprintf("message with #%s was handled before", id),
			Notification: &n,
		})
		return
	}

	if err := safeFollow(ctx, s.follow, n); err != nil {
		b.event(Event{Topic: notifyTopic(id, "error"), ID: id, Err: err, Notification: &n})
		return
	}
	b.event(Event{Topic: notifyTopic(id, "success"), ID: id, Notification: &n})
}

func safeFollow(ctx context.Context, fn FollowFunc, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx, n)
}

// event synchronously invokes every listener subscribed to ev.Topic.
func (b *bus) event(ev Event) {
	for _, s := range b.matching(ev.Topic, false) {
		s.event(ev)
	}
}

// wait blocks until in-flight deliveries finish or ctx ends.
func (b *bus) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bus) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.dedup.purge()
}

func notifyTopic(id, outcome string) string {
	return "notify" + topicSeparator + segment(id) + topicSeparator + outcome
}

// dedupCache remembers delivered message ids for a fixed TTL.
type dedupCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, bool]
}

func newDedupCache(size int, ttl time.Duration) *dedupCache {
	if size <= 0 {
		size = DefaultDedupSize
	}
	return &dedupCache{lru: expirable.NewLRU[string, bool](size, nil, ttl)}
}

// seen records key and reports whether it was already recorded within the
// TTL window.
func (c *dedupCache) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(key); ok {
		return true
	}
	c.lru.Add(key, true)
	return false
}

func (c *dedupCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
