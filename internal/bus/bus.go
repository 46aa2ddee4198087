// Package bus provides the in-process pub/sub backbone of the pipeline.
//
// Subjects are plain strings ("tick:SPY", "bar:new:SPY:1m", "microbar:SPY",
// "signal:new"). Delivery is synchronous and in-line: Publish invokes every
// live listener before returning, in subscription order, FIFO per subject.
// Listeners must therefore be fast: update state or enqueue, never block on
// I/O. A panicking listener is isolated; the remaining listeners still
// receive the event. Subscribing and unsubscribing are safe from inside a
// listener; publishing to the subject currently being delivered is not.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Subject constructors. Keeping the naming in one place stops drift between
// publishers and subscribers.

// TickSubject is the per-symbol trade print subject.
func TickSubject(symbol string) string { return "tick:" + symbol }

// BarSubject is the per-symbol, per-timeframe finalized bar subject.
func BarSubject(symbol, timeframe string) string {
	return "bar:new:" + symbol + ":" + timeframe
}

// MicrobarSubject is the per-symbol in-progress bar snapshot subject.
func MicrobarSubject(symbol string) string { return "microbar:" + symbol }

// SignalSubject carries admitted signals.
const SignalSubject = "signal:new"

// Handler receives published payloads. The payload is shared by reference
// across listeners; handlers must not mutate it.
type Handler func(v any)

// Subscription is the handle returned by Subscribe. Ownership lives with the
// subscriber: the bus only iterates live handles, and Unsubscribe is the
// terminal operation that guarantees no further deliveries.
type Subscription struct {
	subject string
	fn      Handler
	closed  atomic.Bool
}

// Unsubscribe marks the subscription dead. Idempotent, and safe to call from
// inside a listener while an emission on the same subject is in flight; after
// it returns the handler will not be invoked again. The bus compacts dead
// entries on the next publish.
func (s *Subscription) Unsubscribe() {
	if s != nil {
		s.closed.Store(true)
	}
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && !s.closed.Load()
}

type topic struct {
	deliverMu sync.Mutex // serializes Publish per subject (FIFO)
	listMu    sync.Mutex // guards subs
	subs      []*Subscription
}

// snapshot sweeps closed subscriptions and returns the live list for
// iteration outside listMu.
func (t *topic) snapshot() []*Subscription {
	t.listMu.Lock()
	defer t.listMu.Unlock()

	live := t.subs[:0]
	for _, s := range t.subs {
		if !s.closed.Load() {
			live = append(live, s)
		}
	}
	// Nil out the swept tail so dropped handlers become collectable.
	for i := len(live); i < len(t.subs); i++ {
		t.subs[i] = nil
	}
	t.subs = live

	out := make([]*Subscription, len(live))
	copy(out, live)
	return out
}

// Bus is the process-wide event bus. Construct one in main and pass it down;
// no package-level instance exists.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic

	published atomic.Uint64
	panics    atomic.Uint64

	// OnListenerPanic is invoked after a recovered listener panic. Optional.
	OnListenerPanic func(subject string, cause any)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(subject string, create bool) *topic {
	b.mu.RLock()
	t := b.topics[subject]
	b.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[subject]; t == nil {
		t = &topic{}
		b.topics[subject] = t
	}
	return t
}

// Subscribe registers fn for subject and returns its handle. fn runs in-line
// on the publisher's goroutine.
func (b *Bus) Subscribe(subject string, fn Handler) *Subscription {
	sub := &Subscription{subject: subject, fn: fn}
	t := b.topicFor(subject, true)
	t.listMu.Lock()
	t.subs = append(t.subs, sub)
	t.listMu.Unlock()
	return sub
}

// Publish delivers v to every live listener of subject. Returns the number of
// listeners that received the event.
func (b *Bus) Publish(subject string, v any) int {
	t := b.topicFor(subject, false)
	if t == nil {
		return 0
	}

	b.published.Add(1)

	// deliverMu gives subscribers strict FIFO per subject without blocking
	// list mutation from inside handlers.
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	delivered := 0
	for _, sub := range t.snapshot() {
		if sub.closed.Load() {
			continue
		}
		b.invoke(subject, sub.fn, v)
		delivered++
	}
	return delivered
}

func (b *Bus) invoke(subject string, fn Handler, v any) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			if b.OnListenerPanic != nil {
				b.OnListenerPanic(subject, r)
			}
		}
	}()
	fn(v)
}

// ListenerCount returns the number of live listeners on a subject.
func (b *Bus) ListenerCount(subject string) int {
	t := b.topicFor(subject, false)
	if t == nil {
		return 0
	}
	t.listMu.Lock()
	defer t.listMu.Unlock()
	n := 0
	for _, s := range t.subs {
		if !s.closed.Load() {
			n++
		}
	}
	return n
}

// Stats returns cumulative publish and recovered-panic counts.
func (b *Bus) Stats() (published, panics uint64) {
	return b.published.Load(), b.panics.Load()
}

// String implements fmt.Stringer for debug logging.
func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("bus{topics=%d}", len(b.topics))
}
