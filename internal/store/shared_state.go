package store

import (
	"context"
	"sync"
)

// MemorySharedState is an in-process SharedState. Notifications are delivered
// synchronously on the writer's goroutine after the write is visible.
type MemorySharedState struct {
	mu     sync.RWMutex
	values map[string]string
	subMu  sync.Mutex
	nextID uint64
	subs   map[uint64]func(key, value string)
}

// NewMemorySharedState creates an empty shared state channel.
func NewMemorySharedState() *MemorySharedState {
	return &MemorySharedState{
		values: make(map[string]string),
		subs:   make(map[uint64]func(key, value string)),
	}
}

func (s *MemorySharedState) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemorySharedState) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.notify(key, value)
	return nil
}

func (s *MemorySharedState) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()
	if existed {
		s.notify(key, "")
	}
	return nil
}

func (s *MemorySharedState) Subscribe(onChange func(key, value string)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *MemorySharedState) notify(key, value string) {
	s.subMu.Lock()
	fns := make([]func(string, string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(key, value)
	}
}
