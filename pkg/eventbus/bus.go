// Package eventbus provides the in-memory, timestamped publish/subscribe
// channel every orchestration component reports to.
//
// Events are kept in a bounded ring buffer (oldest evicted first), delivered
// synchronously to matching listeners in emission order, and optionally
// persisted through a Sink. Listener panics and sink failures are logged and
// never affect delivery to other listeners or the emitter.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the ring buffer capacity used when none is configured.
const DefaultMaxEvents = 1000

// Listener observes events. Listeners should treat events as read-only.
type Listener func(Event)

// Config configures a Bus.
type Config struct {
	MaxEvents int
	Sink      Sink
	Logger    *slog.Logger
}

type subscription struct {
	id       string
	all      bool
	types    map[Type]bool
	callback Listener
}

func (s *subscription) matches(t Type) bool {
	return s.all || s.types[t]
}

// Bus is an in-process event bus. The zero value is not usable; use NewBus.
type Bus struct {
	mu        sync.Mutex
	ring      []Event
	head      int // index of the oldest event
	size      int
	listeners []*subscription
	nextID    uint64

	queue       []Event
	dispatching bool

	sink   Sink
	logger *slog.Logger
	clock  func() time.Time
}

// NewBus creates a bus.
func NewBus(cfg Config) *Bus {
	max := cfg.MaxEvents
	if max <= 0 {
		max = DefaultMaxEvents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ring:   make([]Event, max),
		sink:   cfg.Sink,
		logger: logger.With("component", "eventbus"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Emit stamps the event with an id and timestamp, buffers it and delivers it
// to every matching listener. It returns the event id.
//
// An Emit issued while another Emit is delivering (from a listener, or from
// another goroutine) is queued and delivered by the active dispatcher once the
// current event is done, so listeners always observe emission order. Such a
// call from another goroutine may therefore return before its listeners and
// the sink have seen the event.
func (b *Bus) Emit(e Event) string {
	b.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock()
	}
	b.push(e)
	b.queue = append(b.queue, e)
	if b.dispatching {
		b.mu.Unlock()
		return e.ID
	}
	b.dispatching = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		targets := b.matching(next.Type)
		b.mu.Unlock()

		for _, sub := range targets {
			b.deliver(sub, next)
		}
		b.persist(next)

		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
	return e.ID
}

// Publish is a convenience wrapper around Emit.
func (b *Bus) Publish(t Type, source string, payload map[string]any) string {
	return b.Emit(New(t, source, payload))
}

// On registers a listener for the given types. An empty list or Wildcard
// subscribes to everything. It returns the listener id used by Off.
func (b *Bus) On(types []Type, callback Listener) string {
	sub := &subscription{types: make(map[Type]bool), callback: callback}
	if len(types) == 0 {
		sub.all = true
	}
	for _, t := range types {
		if t == Wildcard {
			sub.all = true
		}
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = fmt.Sprintf("listener-%d", b.nextID)
	b.listeners = append(b.listeners, sub)
	return sub.id
}

// Off removes a listener. It reports whether the listener existed.
func (b *Bus) Off(listenerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.listeners {
		if sub.id == listenerID {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// ReadRecent returns up to n most recent events, oldest first. An empty type
// matches every event.
func (b *Bus) ReadRecent(n int, t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return nil
	}
	out := make([]Event, 0, n)
	for i := b.size - 1; i >= 0 && len(out) < n; i-- {
		e := b.at(i)
		if t == "" || t == Wildcard || e.Type == t {
			out = append(out, e)
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// ReadSince returns buffered events stamped at or after ts, oldest first.
func (b *Bus) ReadSince(ts time.Time, t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for i := 0; i < b.size; i++ {
		e := b.at(i)
		if e.Timestamp.Before(ts) {
			continue
		}
		if t == "" || t == Wildcard || e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close closes the configured sink.
func (b *Bus) Close() error {
	if b.sink == nil {
		return nil
	}
	return b.sink.Close()
}

func (b *Bus) push(e Event) {
	capacity := len(b.ring)
	if b.size < capacity {
		b.ring[(b.head+b.size)%capacity] = e
		b.size++
		return
	}
	b.ring[b.head] = e
	b.head = (b.head + 1) % capacity
}

func (b *Bus) at(i int) Event {
	return b.ring[(b.head+i)%len(b.ring)]
}

func (b *Bus) matching(t Type) []*subscription {
	var out []*subscription
	for _, sub := range b.listeners {
		if sub.matches(t) {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Bus) deliver(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("listener panicked", "listener", sub.id, "event_type", e.Type, "panic", r)
		}
	}()
	sub.callback(e)
}

func (b *Bus) persist(e Event) {
	if b.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event sink panicked", "event_id", e.ID, "panic", r)
		}
	}()
	if err := b.sink.Write(context.Background(), e); err != nil {
		b.logger.Warn("event sink write failed", "event_id", e.ID, "error", err)
	}
}
