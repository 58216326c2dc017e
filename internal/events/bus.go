package events

import (
	"errors"
	"sync"
)

type (
	// Bus publishes domain events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register and Close operations.
	//
	// Unlike a synchronous bus, delivery is decoupled from the publisher:
	// each subscription owns a bounded queue drained by its own goroutine, so
	// emission order is preserved per subscriber and a slow consumer never
	// blocks workers. When a queue overflows the oldest event is dropped;
	// domain events are advisory and the catalog remains the source of truth.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		Publish(event Event)

		// Subscribe registers a handler and returns a Subscription that can
		// be closed to unregister. Subscribe returns an error if fn is nil.
		Subscribe(fn func(Event)) (Subscription, error)

		// Close stops all subscriber queues. Events published after Close
		// are dropped.
		Close()
	}

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu     sync.RWMutex
		subs   map[*subscription]struct{}
		closed bool
	}

	subscription struct {
		bus  *bus
		fn   func(Event)
		ch   chan Event
		once sync.Once
		done chan struct{}
	}
)

// queueDepth bounds each subscriber's backlog.
const queueDepth = 256

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{subs: make(map[*subscription]struct{})}
}

func (b *bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Queue full: drop the oldest to keep the newest flowing.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

func (b *bus) Subscribe(fn func(Event)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("subscriber function is required")
	}
	s := &subscription{
		bus:  b,
		fn:   fn,
		ch:   make(chan Event, queueDepth),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus is closed")
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.drain()
	return s, nil
}

func (b *bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

func (s *subscription) drain() {
	for {
		select {
		case evt := <-s.ch:
			s.fn(evt)
		case <-s.done:
			// Flush what is already queued, then exit.
			for {
				select {
				case evt := <-s.ch:
					s.fn(evt)
				default:
					return
				}
			}
		}
	}
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
