package store

import (
	"context"
	"sort"
	"sync"

	"github.com/phasor-io/phasor/pkg/instance"
)

// MemoryStore keeps instances in a map. Used for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*instance.Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*instance.Instance),
	}
}

func (s *MemoryStore) Save(_ context.Context, inst *instance.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst

	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return nil, ErrNotFound
	}

	return inst, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})

	return instances, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[id]; !exists {
		return ErrNotFound
	}

	delete(s.instances, id)

	return nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
