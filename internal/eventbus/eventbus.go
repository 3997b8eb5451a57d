// Package eventbus implements the process-wide Notification Bus (spec.md
// §4.D): a single fire-and-forget fan-out point other components publish
// named events to, with payloads delivered to subscribers on bounded
// channels. Producers never block on a slow or absent consumer.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing non-terminal events rather than
// stalling a publisher (spec.md §5: "Notification Bus ... non-blocking for
// producers").
const subscriberBuffer = 64

// terminalSendTimeout bounds how long NotifyAll waits to deliver an event
// tagged Terminal to a full subscriber channel before giving up on that
// subscriber. Mirrors the Unified Operation Tracker's own terminal-event
// delivery guarantee (spec.md §4.F) so a slow HTTP/SSE client cannot drop a
// completion notification outright.
const terminalSendTimeout = 500 * time.Millisecond

// Event is a single notification published on the bus.
type Event struct {
	// Name is the event name from spec.md §6's notification catalogue,
	// e.g. "GameDetectionProgress", "DaemonSessionCreated".
	Name string
	// Payload is the event-specific body. Callers on both ends agree on
	// its concrete type out of band; the bus itself never inspects it.
	Payload any
	// Terminal marks an event that must not be silently dropped even if
	// a subscriber's channel is full (session/operation end-of-life
	// events such as PrefillStateChanged=Terminated or
	// GameDetectionComplete).
	Terminal bool
}

// Subscription is a live registration on the Bus. Callers range over
// Events until Close is called or the Bus itself is closed.
type Subscription struct {
	id     uint64
	bus    *Bus
	Events chan Event
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the process-wide Notification Bus singleton. The zero value is
// not usable; construct with New.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers a new subscriber and returns its Subscription. The
// caller is responsible for calling Close when done listening.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		Events: make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.Events)
	}
}

// NotifyAll publishes an event to every current subscriber. It never
// blocks a publisher on a slow consumer: non-terminal events are dropped
// for a subscriber whose channel is full, and terminal events get a bounded
// grace window before being dropped and logged (spec.md §4.D).
//
// NotifyAll itself never returns an error; publishers are not expected to
// handle delivery failures; a dropped event is, at worst, a missed UI
// update, never a correctness issue for the orchestration plane.
func (b *Bus) NotifyAll(ctx context.Context, name string, payload any) {
	b.notify(ctx, Event{Name: name, Payload: payload})
}

// NotifyTerminal is NotifyAll for an event that must not be silently
// dropped (spec.md §4.D/§4.F terminal-event delivery guarantee).
func (b *Bus) NotifyTerminal(ctx context.Context, name string, payload any) {
	b.notify(ctx, Event{Name: name, Payload: payload, Terminal: true})
}

func (b *Bus) notify(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !event.Terminal {
			select {
			case sub.Events <- event:
			default:
				b.logger.WarnContext(ctx, "subscriber channel full, dropping event",
					slog.String("event", event.Name),
					slog.Uint64("subscriber_id", sub.id),
				)
			}
			continue
		}

		select {
		case sub.Events <- event:
		case <-time.After(terminalSendTimeout):
			b.logger.ErrorContext(ctx, "failed to deliver terminal event, channel full",
				slog.String("event", event.Name),
				slog.Uint64("subscriber_id", sub.id),
			)
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
// Used by tests and diagnostics; not part of the core publish path.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
