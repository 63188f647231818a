package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/phasor-io/phasor/pkg/instance"
)

// FileStore persists each instance as one JSON file under a data directory.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) instancePath(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

func (s *FileStore) Save(_ context.Context, inst *instance.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	if err := os.WriteFile(s.instancePath(inst.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write instance file: %w", err)
	}

	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.instancePath(id)) // #nosec G304 -- path is built from controlled dataDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to read instance file: %w", err)
	}

	inst := &instance.Instance{}
	if err := json.Unmarshal(data, inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}

	inst.EnsureTracking()

	return inst, nil
}

func (s *FileStore) List(_ context.Context) ([]*instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var instances []*instance.Instance

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dataDir, entry.Name())) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("failed to read instance file: %w", err)
		}

		inst := &instance.Instance{}
		if err := json.Unmarshal(data, inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance %s: %w", entry.Name(), err)
		}

		inst.EnsureTracking()
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})

	return instances, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.instancePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}

		return fmt.Errorf("failed to delete instance file: %w", err)
	}

	return nil
}

func (s *FileStore) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.dataDir); os.IsNotExist(err) {
		return fmt.Errorf("data directory does not exist: %s", s.dataDir)
	}

	return nil
}

func (s *FileStore) Close() error {
	return nil
}
