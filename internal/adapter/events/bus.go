// Package events provides the in-process event bus and its fan-out
// sinks. Delivery is fire-and-forget everywhere: a slow subscriber drops
// events rather than stalling the request path.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/clock"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Bus is the in-process implementation of domain.EventSink with local
// subscribers and optional attached downstream sinks.
type Bus struct {
	mu    sync.RWMutex
	subs  map[int]chan domain.Event
	next  int
	sinks []domain.EventSink
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Attach registers a downstream sink (e.g. the Kafka producer). Events
// are forwarded after local delivery.
func (b *Bus) Attach(sink domain.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe returns a buffered event stream and an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Emit assigns identity to the event and fans it out without blocking.
func (b *Bus) Emit(e domain.Event) {
	if e.ID == "" {
		e.ID = clock.NewEventID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("event subscriber lagging; dropping event", slog.String("event", e.Name))
		}
	}
	for _, s := range b.sinks {
		s.Emit(e)
	}
}
