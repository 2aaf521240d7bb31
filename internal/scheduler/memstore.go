package scheduler

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is a TriggerStore that lives only as long as the process.
type MemoryStore struct {
	mu       sync.Mutex
	triggers map[string]Trigger
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{triggers: make(map[string]Trigger)}
}

func (m *MemoryStore) SaveTrigger(_ context.Context, t Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Args = slices.Clone(t.Args)
	m.triggers[t.ID] = t
	return nil
}

func (m *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
	return nil
}

func (m *MemoryStore) LoadTriggers(context.Context) ([]Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, t)
	}
	return out, nil
}

var _ TriggerStore = (*MemoryStore)(nil)
