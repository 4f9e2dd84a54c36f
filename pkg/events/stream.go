package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultSubscriberBuffer = 1024

// Stream is a typed single-producer / multi-consumer channel for one kind of event.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Stream[T any] struct {
	name string

	mutex       sync.RWMutex
	subscribers []chan T
	closed      bool
}

func NewStream[T any](name string) *Stream[T] {
	return &Stream[T]{name: name}
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed when the stream is closed.
func (s *Stream[T]) Subscribe() <-chan T {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ch := make(chan T, defaultSubscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}

	s.subscribers = append(s.subscribers, ch)
	return ch
}

func (s *Stream[T]) Publish(event T) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			log.Warn().Str("stream", s.name).Msg("Subscriber buffer full, dropping event")
		}
	}
}

func (s *Stream[T]) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}
