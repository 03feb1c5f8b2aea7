// Package bus is the typed, ordered publish/subscribe channel coordinating
// the run. One Bus exists per run and is passed explicitly to every
// component that emits or subscribes; there is no process-wide singleton,
// so concurrent runs coexist and tests stay isolated.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeNodeStarted is emitted when a worker picks up a node.
	TypeNodeStarted Type = "node.started"

	// TypeNodeFinished is emitted when a node reaches a terminal state.
	TypeNodeFinished Type = "node.finished"

	// TypeResultAccepted is emitted when a node's output passes validation.
	TypeResultAccepted Type = "result.accepted"

	// TypeResultRejected is emitted when a node's output fails validation.
	TypeResultRejected Type = "result.rejected"

	// TypeStitchApplied is emitted after a sibling patch batch is merged.
	TypeStitchApplied Type = "stitch.applied"

	// TypeStitchRejected is emitted when a patch batch is rejected whole.
	TypeStitchRejected Type = "stitch.rejected"

	// TypeCheckpointSaved is emitted after a checkpoint commits.
	TypeCheckpointSaved Type = "checkpoint.saved"

	// TypeGraphComplete is the single terminal event of a run.
	TypeGraphComplete Type = "graph.complete"
)

// Event is one immutable entry in the run's append-only event log.
type Event struct {
	// Seq is the monotonically increasing emission sequence number.
	Seq uint64 `json:"seq"`
	// Type identifies the kind of event.
	Type Type `json:"type"`
	// NodeID is the emitting node, when the event concerns one.
	NodeID string `json:"node_id,omitempty"`
	// Payload carries event-specific data.
	Payload any `json:"payload,omitempty"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// SubscriberOverrunError reports that a subscriber fell behind its bounded
// queue and was disconnected. Only that subscriber is affected.
type SubscriberOverrunError struct {
	// Capacity is the queue size the subscriber overran.
	Capacity int
	// DroppedSeq is the sequence number of the event that did not fit.
	DroppedSeq uint64
}

func (e *SubscriberOverrunError) Error() string {
	return fmt.Sprintf("subscriber overran its %d-event queue at seq %d and was disconnected", e.Capacity, e.DroppedSeq)
}

// ErrWaitTimeout is returned by WaitFor when no matching event arrives in time.
var ErrWaitTimeout = fmt.Errorf("timed out waiting for event")

// ErrBusClosed is returned by WaitFor when the bus is torn down, either
// before the call or while the waiter is parked.
var ErrBusClosed = fmt.Errorf("event bus is closed")

// Subscription is one subscriber's cursor into the event stream. Events
// arrive on C in strict emission order. After C is closed, Err reports why:
// nil for a bus shutdown or Close call, *SubscriberOverrunError if the
// subscriber was disconnected for falling behind.
type Subscription struct {
	bus    *Bus
	id     int
	types  map[Type]bool
	ch     chan Event
	err    error
	closed bool
}

// C returns the subscriber's event channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Err reports why the channel closed. Valid after C is closed.
func (s *Subscription) Err() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.err
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s, nil)
}

// waiter is a parked WaitFor call.
type waiter struct {
	pred func(Event) bool
	ch   chan Event
}

// Bus is the per-run event bus. All methods are safe for concurrent use.
// Emission appends to the log under the bus lock, so subscribers observe a
// single global order; per-subscriber queues are bounded and a subscriber
// that cannot keep up is disconnected rather than back-pressuring emitters.
type Bus struct {
	mu      sync.Mutex
	log     []Event
	subs    map[int]*Subscription
	waiters map[int]*waiter
	nextSub int
	nextSeq uint64
	queue   int
	closed  bool
	done    chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the bounded per-subscriber queue size.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// New creates an empty bus. The default per-subscriber queue holds 256
// events.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[int]*Subscription),
		waiters: make(map[int]*waiter),
		queue:   256,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit appends an event to the log and dispatches it to every live
// subscription matching its type. It never blocks on subscriber speed.
// The assigned event is returned.
func (b *Bus) Emit(eventType Type, nodeID string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	ev := Event{
		Seq:       b.nextSeq,
		Type:      eventType,
		NodeID:    nodeID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.log = append(b.log, ev)

	if b.closed {
		return ev
	}

	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropLocked(sub, &SubscriberOverrunError{Capacity: b.queue, DroppedSeq: ev.Seq})
		}
	}

	for id, w := range b.waiters {
		if w.pred(ev) {
			w.ch <- ev
			delete(b.waiters, id)
		}
	}

	return ev
}

// dropLocked removes a subscription and closes its channel. Caller holds mu.
func (b *Bus) dropLocked(sub *Subscription, err error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Subscribe registers a cursor for the given event types; no types means
// all types. Events emitted after the call arrive in emission order.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		id:  b.nextSub,
		ch:  make(chan Event, b.queue),
	}
	b.nextSub++
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// WaitFor suspends the caller until an event matching pred is emitted, the
// timeout elapses, or ctx is cancelled. Cancellation unregisters the wait
// without affecting other subscribers.
func (b *Bus) WaitFor(ctx context.Context, timeout time.Duration, pred func(Event) bool) (Event, error) {
	w := &waiter{pred: pred, ch: make(chan Event, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrBusClosed
	}
	id := b.nextSub
	b.nextSub++
	b.waiters[id] = w
	b.mu.Unlock()

	unregister := func() {
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		unregister()
		// The event may have raced the timer.
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		return Event{}, ErrWaitTimeout
	case <-ctx.Done():
		unregister()
		return Event{}, ctx.Err()
	case <-b.done:
		unregister()
		// The event may have raced the shutdown.
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		return Event{}, ErrBusClosed
	}
}

// Events returns a snapshot of the append-only log.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// LastSeq returns the sequence number of the most recent emission.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Close tears the bus down at run completion: all subscriptions close with
// a nil error and parked waiters fail fast with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for _, sub := range b.subs {
		b.dropLocked(sub, nil)
	}
	b.waiters = make(map[int]*waiter)
}
