package audio

import (
	"sort"
	"sync"
)

// Signal is a list of typed listeners. Emit calls them synchronously on the
// emitting goroutine, in connection order.
type Signal[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(T)
}

// Connect registers fn and returns a function that removes it again.
func (s *Signal[T]) Connect(fn func(T)) (disconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
