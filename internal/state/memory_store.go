package state

import (
	"context"
	"sync"

	"healthtree/internal/domain"
)

// MemoryStore keeps current states in process memory for single-instance mode.
// Params: per-environment snapshots guarded by RWMutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu           sync.RWMutex
	environments map[string]map[string][]domain.StateTransition
}

// NewMemoryStore creates in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{environments: make(map[string]map[string][]domain.StateTransition)}
}

// LoadCurrentStates returns copy of environment snapshot.
// Params: environment name.
// Returns: latest transitions per element (empty map when unknown).
func (s *MemoryStore) LoadCurrentStates(_ context.Context, environment string) (map[string][]domain.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCurrent(s.environments[environment]), nil
}

// SaveCurrentStates merges transitions into environment snapshot.
// Params: environment name and applied transitions.
// Returns: nil (in-memory update).
func (s *MemoryStore) SaveCurrentStates(_ context.Context, environment string, transitions []domain.StateTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.environments[environment] = mergeCurrent(s.environments[environment], transitions)
	return nil
}

// DeleteEnvironment drops environment snapshot.
func (s *MemoryStore) DeleteEnvironment(_ context.Context, environment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.environments, environment)
	return nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
