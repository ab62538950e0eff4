package cache

import (
	"context"
	"sync"
)

// MemoryBackend keeps entries in a process-local map.
type MemoryBackend[T any] struct {
	mu      sync.Mutex
	entries map[string]Entry[T]
}

func NewMemoryBackend[T any]() *MemoryBackend[T] {
	return &MemoryBackend[T]{entries: make(map[string]Entry[T])}
}

func (m *MemoryBackend[T]) Load(_ context.Context, key string) (Entry[T], bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryBackend[T]) Store(_ context.Context, key string, entry Entry[T]) error {
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend[T]) Flush(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]Entry[T])
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
