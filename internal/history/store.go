package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"healthtree/internal/domain"
)

// Store persists and reads transition history of environments.
// Params: environment name scopes every call.
// Returns: backend persistence behavior.
type Store interface {
	PersistTransitions(ctx context.Context, environment string, transitions []domain.StateTransition) error
	QueryTransitions(ctx context.Context, environment string, filter Filter) ([]domain.StateTransition, error)
	Close() error
}

// Filter selects history records.
// Params: element ids (empty means all), inclusive time range (zero bound is open), and check inclusion.
// Returns: predicate shared by every store and the in-memory buffer.
type Filter struct {
	ElementIDs    []string
	Start         time.Time
	End           time.Time
	IncludeChecks bool
}

// Match reports whether transition is selected by filter.
// Check transitions are dropped without IncludeChecks unless explicitly requested by id.
func (f Filter) Match(transition domain.StateTransition) bool {
	at := transition.Timestamp()
	if !f.Start.IsZero() && at.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && at.After(f.End) {
		return false
	}
	if len(f.ElementIDs) > 0 {
		for _, id := range f.ElementIDs {
			if id == transition.ElementID {
				return true
			}
		}
		return false
	}
	return f.IncludeChecks || transition.ComponentType != domain.ComponentTypeCheck
}

// dedupKey identifies one history fact.
type dedupKey struct {
	elementID       string
	sourceTimestamp int64
	checkID         string
	alertName       string
}

func keyOf(transition domain.StateTransition) dedupKey {
	return dedupKey{
		elementID:       transition.ElementID,
		sourceTimestamp: transition.SourceTimestamp.UnixNano(),
		checkID:         transition.CheckID,
		alertName:       transition.AlertName,
	}
}

// Merge concatenates record sets, drops repeated facts, and orders by time.
// Params: record sets in preference order (first occurrence wins).
// Returns: deduplicated transitions sorted by timestamp.
func Merge(sets ...[]domain.StateTransition) []domain.StateTransition {
	seen := make(map[dedupKey]struct{})
	var out []domain.StateTransition
	for _, set := range sets {
		for _, transition := range set {
			key := keyOf(transition)
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, transition)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp().Before(out[j].Timestamp())
	})
	return out
}

// MemoryStore keeps history in process memory for single-instance mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]domain.StateTransition
	keys    map[string]map[dedupKey]struct{}
}

// NewMemoryStore creates in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]domain.StateTransition),
		keys:    make(map[string]map[dedupKey]struct{}),
	}
}

// PersistTransitions appends transitions; repeated facts are stored once.
// Params: environment name and transitions to persist.
// Returns: nil (in-memory write).
func (s *MemoryStore) PersistTransitions(_ context.Context, environment string, transitions []domain.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	known, ok := s.keys[environment]
	if !ok {
		known = make(map[dedupKey]struct{})
		s.keys[environment] = known
	}
	for _, transition := range transitions {
		key := keyOf(transition)
		if _, exists := known[key]; exists {
			continue
		}
		known[key] = struct{}{}
		transition.IsSyncedToDatabase = true
		s.records[environment] = append(s.records[environment], transition)
	}
	return nil
}

// QueryTransitions returns stored transitions selected by filter.
// Params: environment name and filter.
// Returns: matching transitions in insertion order.
func (s *MemoryStore) QueryTransitions(_ context.Context, environment string, filter Filter) ([]domain.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StateTransition
	for _, transition := range s.records[environment] {
		if filter.Match(transition) {
			out = append(out, transition)
		}
	}
	return out, nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
