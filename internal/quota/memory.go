package quota

import (
	"context"
	"sync"
)

// MemoryStore keeps the counter in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore returns a store seeded with initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial}
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, fn func(*State) error) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	if err := fn(&next); err != nil {
		return m.state, err
	}
	m.state = next
	return next, nil
}
