// Package bus provides the in-process publish/subscribe spine of the
// orchestrator: a bounded ring buffer with per-subscriber replay, plus a
// persistence subscriber that buckets events into daily JSONL files.
package bus

import (
	"log/slog"
	"sync"

	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/logging"
)

// DefaultBufferSize is the ring capacity used when the config does not set one.
const DefaultBufferSize = 1000

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; a panicking handler is recovered and logged so one
// bad subscriber cannot kill the bus.
type Handler func(events.Event)

// SubscribeOptions adjusts subscription behavior.
type SubscribeOptions struct {
	// ReplayLast delivers up to this many buffered events, in publish order,
	// before any live event.
	ReplayLast int
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a single-process event bus with a bounded replay ring.
// The zero value is not usable; call New.
type Bus struct {
	mu     sync.Mutex
	ring   []events.Event
	head   int // next write position
	count  int // number of valid entries, <= len(ring)
	nextID uint64
	subs   []subscriber
	logger *slog.Logger
}

// New creates a bus whose ring holds size events. Sizes < 1 fall back to
// DefaultBufferSize; the ring is rounded up to the next power of two so the
// modulo stays cheap.
func New(size int) *Bus {
	if size < 1 {
		size = DefaultBufferSize
	}
	cap := 1
	for cap < size {
		cap <<= 1
	}
	return &Bus{
		ring:   make([]events.Event, cap),
		logger: logging.WithComponent("bus"),
	}
}

// Publish validates e, stores it in the ring (overwriting the oldest entry
// when full), and invokes every current subscriber synchronously.
func (b *Bus) Publish(e events.Event) error {
	if err := events.Validate(e); err != nil {
		return err
	}

	b.mu.Lock()
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
	return nil
}

func (b *Bus) deliver(s subscriber, e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panicked", slog.Any("panic", r), slog.String("type", string(e.Type)))
		}
	}()
	s.handler(e)
}

// Subscribe registers handler and returns an unsubscribe function. When
// opts.ReplayLast > 0, the handler first receives the last
// min(ReplayLast, buffered, capacity) events in publish order; the replay and
// the registration happen atomically so no live event is missed or duplicated.
func (b *Bus) Subscribe(handler Handler, opts SubscribeOptions) func() {
	b.mu.Lock()
	replay := b.recentLocked(opts.ReplayLast)
	id := b.nextID
	b.nextID++
	s := subscriber{id: id, handler: handler}
	// Replay is delivered before registration completes, under the lock, so
	// a concurrent Publish cannot slot a live event ahead of the replayed
	// prefix. Handlers must not publish from inside a replay delivery.
	for _, e := range replay {
		b.deliver(s, e)
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// GetRecent returns up to n of the most recently published events in publish
// order.
func (b *Bus) GetRecent(n int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked(n)
}

// recentLocked copies the last n buffered events in publish order.
// Caller holds b.mu.
func (b *Bus) recentLocked(n int) []events.Event {
	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]events.Event, 0, n)
	start := (b.head - n + len(b.ring)) % len(b.ring)
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// SubscriberCount returns the number of live subscribers. Used by tests and
// the status snapshot.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
