package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryTier keeps state tokens in process memory.
type MemoryTier struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]Entry)}
}

func (m *MemoryTier) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Value] = e
	return nil
}

func (m *MemoryTier) Take(_ context.Context, value string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[value]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(m.entries, value)
	return e, nil
}

func (m *MemoryTier) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many tokens are held.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
