package events

import (
	"sync"
	"sync/atomic"

	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// DefaultBuffer is the channel capacity given to consumers that ask for 0.
const DefaultBuffer = 256

// Publisher is implemented by anything that accepts events. Engine
// components depend on this rather than on Bus.
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Consumer is one registered reader of the bus. Events that do not fit in
// its buffer are dropped and counted; a slow consumer never blocks the
// publisher.
type Consumer struct {
	name    string
	ch      chan Event
	types   map[Type]bool
	dropped atomic.Uint64
}

// Name returns the consumer name.
func (c *Consumer) Name() string { return c.name }

// Events returns the channel the consumer reads from. It is closed when the
// consumer is unsubscribed or the bus is closed.
func (c *Consumer) Events() <-chan Event { return c.ch }

// Dropped returns how many events were dropped for this consumer.
func (c *Consumer) Dropped() uint64 { return c.dropped.Load() }

func (c *Consumer) wants(t Type) bool {
	return len(c.types) == 0 || c.types[t]
}

// Bus fans events out to registered consumers.
type Bus struct {
	mu        sync.RWMutex
	consumers map[*Consumer]struct{}
	closed    bool
	log       *logging.Logger
}

// NewBus creates an event bus.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.GetDefault().Component("events")
	}
	return &Bus{
		consumers: make(map[*Consumer]struct{}),
		log:       log,
	}
}

// Subscribe registers a consumer with the given buffer size. When types is
// non-empty only those event types are delivered.
func (b *Bus) Subscribe(name string, buffer int, types ...Type) *Consumer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	c := &Consumer{
		name: name,
		ch:   make(chan Event, buffer),
	}
	if len(types) > 0 {
		c.types = make(map[Type]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.ch)
		return c
	}
	b.consumers[c] = struct{}{}
	return c
}

// Unsubscribe removes c and closes its channel.
func (b *Bus) Unsubscribe(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[c]; !ok {
		return
	}
	delete(b.consumers, c)
	close(c.ch)
}

// Publish delivers e to every interested consumer without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	for c := range b.consumers {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.ch <- e:
		default:
			c.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(string(e.Type), c.name).Inc()
			b.log.Warn("Consumer buffer full, dropping event", "consumer", c.name, "type", e.Type)
		}
	}
}

// ConsumerCount returns the number of registered consumers.
func (b *Bus) ConsumerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}

// Close unsubscribes every consumer. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for c := range b.consumers {
		close(c.ch)
	}
	b.consumers = nil
}
