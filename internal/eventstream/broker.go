// Package eventstream fans appended execution events out to live
// subscribers: SSE clients in-process and, optionally, a NATS subject.
package eventstream

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

// Sink receives events after they have been persisted.
type Sink interface {
	Publish(ctx context.Context, event models.Event)
}

// MultiSink publishes to every sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, event models.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, event)
		}
	}
}

type subscriber struct {
	ch     chan models.Event
	planID string
}

// Broker is an in-process event fan-out. A subscriber whose buffer is full
// is dropped and its channel closed.
type Broker struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
	closed bool
}

// NewBroker creates a broker with the given per-subscriber buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber. An empty planID receives every event.
// The returned cancel func must be called when the subscriber goes away; it
// is safe to call more than once.
func (b *Broker) Subscribe(planID string) (<-chan models.Event, func()) {
	s := &subscriber{ch: make(chan models.Event, b.buffer), planID: planID}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() { b.remove(s) }
}

// Publish delivers event to matching subscribers without blocking.
func (b *Broker) Publish(_ context.Context, event models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.planID != "" && s.planID != event.PlanID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			log.Warn().Str("plan_id", event.PlanID).Msg("Dropping slow event subscriber")
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *Broker) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
