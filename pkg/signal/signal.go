// Package signal implements a small typed broadcast channel: a named event
// carrying one payload type, fanned out concurrently to any number of
// subscribers. A failing subscriber is reported to the channel's error
// handler and never disturbs the emitter or its sibling subscribers.
package signal

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler is one subscriber of a Signal. A returned error is routed to the
// channel's ErrorHandler.
type Handler[T any] func(T) error

// ErrorHandler receives the name of the signal and the failure of one of
// its handlers. It must not panic.
type ErrorHandler func(sig string, err error)

// LogErrors returns an ErrorHandler that logs the failure and moves on.
func LogErrors(log logrus.FieldLogger) ErrorHandler {
	return func(sig string, err error) {
		log.WithField("sig", sig).WithError(err).Warn("signal handler failed")
	}
}

// slot is one subscriber together with its delivery queue. Payloads are
// dispatched from the queue by a single goroutine at a time, so one
// subscriber always observes emissions in order.
type slot[T any] struct {
	id uint64
	fn Handler[T]

	mu      sync.Mutex
	pending []T
	running bool
}

// Signal is a named broadcast point. The zero value is not usable; create
// instances with New.
type Signal[T any] struct {
	name  string
	catch ErrorHandler

	mu     sync.Mutex
	nextID uint64
	slots  []*slot[T]
}

// New creates a Signal. A nil catch falls back to logging failures through
// the logrus standard logger.
func New[T any](name string, catch ErrorHandler) *Signal[T] {
	if catch == nil {
		catch = LogErrors(logrus.StandardLogger())
	}
	return &Signal[T]{name: name, catch: catch}
}

// Name returns the name the Signal was created with.
func (s *Signal[T]) Name() string { return s.name }

// Connect registers a handler and returns its removal closure. The closure
// may be called any number of times, from any goroutine, including from
// inside the handler itself.
func (s *Signal[T]) Connect(h Handler[T]) (off func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.slots = append(s.slots, &slot[T]{id: id, fn: h})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sl := range s.slots {
			if sl.id == id {
				s.slots = append(s.slots[:i], s.slots[i+1:]...)
				return
			}
		}
	}
}

// Emit appends v to every registered subscriber's delivery queue and
// returns without waiting. Each subscriber drains its queue on its own
// goroutine, so distinct subscribers run concurrently while any single
// subscriber sees successive emissions in order. Handlers registered
// while a dispatch is in flight are picked up by the next Emit. With no
// subscribers Emit is a cheap no-op.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snap := make([]*slot[T], len(s.slots))
	copy(snap, s.slots)
	s.mu.Unlock()
	for _, sl := range snap {
		sl.mu.Lock()
		sl.pending = append(sl.pending, v)
		spawn := !sl.running
		sl.running = true
		sl.mu.Unlock()
		if spawn {
			go s.drain(sl)
		}
	}
}

// drain delivers a slot's queued payloads one at a time. At most one
// drain goroutine runs per slot.
func (s *Signal[T]) drain(sl *slot[T]) {
	for {
		sl.mu.Lock()
		if len(sl.pending) == 0 {
			sl.running = false
			sl.mu.Unlock()
			return
		}
		v := sl.pending[0]
		sl.pending = sl.pending[1:]
		sl.mu.Unlock()
		s.dispatch(sl.fn, v)
	}
}

func (s *Signal[T]) dispatch(fn Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.catch(s.name, errors.Errorf("handler panic: %v", r))
		}
	}()
	if err := fn(v); err != nil {
		s.catch(s.name, err)
	}
}

// HasSlots reports whether anything is subscribed. Emitters use it to skip
// building payloads nobody will see.
func (s *Signal[T]) HasSlots() bool { return s.Len() > 0 }

// Len returns the number of registered handlers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
