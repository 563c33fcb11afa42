// Package events provides typed publish/subscribe streams used by the
// registries and adapters to fan out their lifecycle events. Subscribers
// hold bounded buffered channels; a slow subscriber drops events instead
// of blocking the publisher.
package events

import (
	"log"
	"sync"
)

// DefaultBuffer is the channel depth given to new subscriptions.
const DefaultBuffer = 64

// Stream is a typed broadcast channel. The zero value is not usable;
// create streams with NewStream.
type Stream[T any] struct {
	name string

	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// Subscription receives events of type T until canceled or until the
// stream closes.
type Subscription[T any] struct {
	stream *Stream[T]
	id     int
	ch     chan T
}

func NewStream[T any](name string) *Stream[T] {
	return &Stream[T]{
		name: name,
		subs: make(map[int]chan T),
	}
}

// Subscribe registers a new subscriber with the default buffer depth.
func (s *Stream[T]) Subscribe() *Subscription[T] {
	return s.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered registers a new subscriber with an explicit buffer
// depth. Subscribing to a closed stream returns a subscription whose
// channel is already closed.
func (s *Stream[T]) SubscribeBuffered(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return &Subscription[T]{stream: s, id: -1, ch: ch}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	return &Subscription[T]{stream: s, id: id, ch: ch}
}

// Publish delivers an event to every subscriber. Subscribers whose
// buffers are full are skipped.
func (s *Stream[T]) Publish(event T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			log.Printf("[Events] %s: subscriber buffer full, dropping event", s.name)
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Events returns the receive channel for this subscription.
func (sub *Subscription[T]) Events() <-chan T {
	return sub.ch
}

// Cancel removes the subscription from its stream and closes the
// channel. Safe to call more than once.
func (sub *Subscription[T]) Cancel() {
	if sub.id < 0 {
		return
	}
	sub.stream.mu.Lock()
	defer sub.stream.mu.Unlock()
	if ch, ok := sub.stream.subs[sub.id]; ok {
		delete(sub.stream.subs, sub.id)
		close(ch)
	}
	sub.id = -1
}
