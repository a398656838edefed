package state

import (
	"context"
	"errors"
	"sort"

	"healthtree/internal/domain"
)

// KeepPerElement is number of latest transitions retained per element.
const KeepPerElement = 2

var (
	// ErrNotFound indicates absent key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store persists current element states used to bootstrap environments.
// Params: environment-scoped load/save of latest transitions per element.
// Returns: backend persistence behavior.
type Store interface {
	LoadCurrentStates(ctx context.Context, environment string) (map[string][]domain.StateTransition, error)
	SaveCurrentStates(ctx context.Context, environment string, transitions []domain.StateTransition) error
	DeleteEnvironment(ctx context.Context, environment string) error
	Close() error
}

// mergeCurrent folds transitions into per-element tails of at most KeepPerElement entries.
// Params: existing snapshot (mutated) and transitions in causal order.
// Returns: snapshot with latest transitions last.
func mergeCurrent(current map[string][]domain.StateTransition, transitions []domain.StateTransition) map[string][]domain.StateTransition {
	if current == nil {
		current = make(map[string][]domain.StateTransition)
	}
	for _, transition := range transitions {
		tail := append(current[transition.ElementID], transition)
		sort.SliceStable(tail, func(i, j int) bool {
			return tail[i].Timestamp().Before(tail[j].Timestamp())
		})
		if len(tail) > KeepPerElement {
			tail = tail[len(tail)-KeepPerElement:]
		}
		current[transition.ElementID] = tail
	}
	return current
}

// copyCurrent deep-copies snapshot slices.
func copyCurrent(current map[string][]domain.StateTransition) map[string][]domain.StateTransition {
	out := make(map[string][]domain.StateTransition, len(current))
	for id, tail := range current {
		out[id] = append([]domain.StateTransition(nil), tail...)
	}
	return out
}
