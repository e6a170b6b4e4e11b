// Package event provides typed signals with explicit subscriptions.
//
// A Signal fans one value out to every connected handler in subscription
// order. Handlers are removed by cancelling the Subscription returned from
// Connect; a handler cancelled while an Emit is in progress is not invoked
// for the remainder of that Emit.
package event

import "sync"

// Subscription detaches one handler from its signal.
type Subscription interface {
	Cancel()
}

// Signal is a typed event source. The zero value is ready to use.
type Signal[T any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]func(T)
	order    []uint64
}

type subscription[T any] struct {
	signal *Signal[T]
	id     uint64
	once   sync.Once
}

func (s *subscription[T]) Cancel() {
	s.once.Do(func() {
		s.signal.remove(s.id)
	})
}

// Connect registers fn and returns its subscription.
func (s *Signal[T]) Connect(fn func(T)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[uint64]func(T))
	}
	s.next++
	id := s.next
	s.handlers[id] = fn
	s.order = append(s.order, id)
	return &subscription[T]{signal: s, id: id}
}

// Emit invokes every connected handler with v.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	ids := make([]uint64, len(s.order))
	copy(ids, s.order)
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		fn, ok := s.handlers[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		fn(v)
	}
}

// Len reports the number of connected handlers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *Signal[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[id]; !ok {
		return
	}
	delete(s.handlers, id)
	for i, cur := range s.order {
		if cur == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Group collects subscriptions so they can be cancelled together.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add records sub in the group.
func (g *Group) Add(sub Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
}

// CancelAll cancels and forgets every recorded subscription.
func (g *Group) CancelAll() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Len reports how many subscriptions are recorded.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
