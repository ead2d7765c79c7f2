// Package rendezvous provides the primitive shared by each event kind of a
// stream: a single waiting callback on one side and an ordered backlog of
// values that arrived before anyone asked for them on the other.
//
// A Slot does no locking of its own; callers serialise access and must not
// invoke the returned callbacks while holding their lock.
package rendezvous

import (
	"github.com/eapache/queue"
)

// Callback is a one-shot continuation receiving a value or an error.
type Callback[T any] func(T, error)

// Result is a value which arrived before a callback was registered for it.
type Result[T any] struct {
	Value T
	Err   error
}

// Slot holds at most one waiting callback, or any number of pending results.
// It never holds both: a value only becomes pending when nobody is waiting,
// and a callback only waits when nothing is pending.
type Slot[T any] struct {
	waiter  Callback[T]
	pending *queue.Queue
}

// Waiting reports whether a callback is stored.
func (s *Slot[T]) Waiting() bool {
	return s.waiter != nil
}

// Pending returns the number of undelivered results.
func (s *Slot[T]) Pending() int {
	if s.pending == nil {
		return 0
	}
	return s.pending.Length()
}

// Empty reports whether the slot holds neither a callback nor a result.
func (s *Slot[T]) Empty() bool {
	return !s.Waiting() && s.Pending() == 0
}

// Push appends r to the backlog.
func (s *Slot[T]) Push(r Result[T]) {
	if s.pending == nil {
		s.pending = queue.New()
	}
	s.pending.Add(r)
}

// Pop removes and returns the oldest pending result.
func (s *Slot[T]) Pop() (Result[T], bool) {
	if s.Pending() == 0 {
		return Result[T]{}, false
	}
	r := s.pending.Remove().(Result[T])
	if s.pending.Length() == 0 {
		s.pending = nil
	}
	return r, true
}

// Wait stores cb until a value arrives. It returns false, leaving the slot
// untouched, if a callback is already waiting.
func (s *Slot[T]) Wait(cb Callback[T]) bool {
	if s.waiter != nil {
		return false
	}
	s.waiter = cb
	return true
}

// TakeWaiter removes and returns the waiting callback, or nil.
func (s *Slot[T]) TakeWaiter() Callback[T] {
	cb := s.waiter
	s.waiter = nil
	return cb
}

// Offer hands r to the waiting callback if there is one, returning the
// callback for the caller to invoke once it has released its lock. Otherwise
// r is queued and nil is returned.
func (s *Slot[T]) Offer(r Result[T]) Callback[T] {
	if cb := s.TakeWaiter(); cb != nil {
		return cb
	}
	s.Push(r)
	return nil
}

// Reset drops the waiting callback and every pending result.
func (s *Slot[T]) Reset() {
	s.waiter = nil
	s.pending = nil
}
