package history

import (
	"context"
	"sync"

	"healthtree/internal/domain"
)

// Buffer accumulates effective transitions of one environment until flushed.
// Params: environment name used for store calls.
// Returns: goroutine-safe buffer; Flush and Query never block Append for store I/O.
type Buffer struct {
	environment string

	mu      sync.Mutex
	pending []domain.StateTransition

	flushMu sync.Mutex
}

// NewBuffer creates empty history buffer for environment.
func NewBuffer(environment string) *Buffer {
	return &Buffer{environment: environment}
}

// Environment returns environment name bound to buffer.
func (b *Buffer) Environment() string {
	return b.environment
}

// Append queues transitions for next flush.
func (b *Buffer) Append(transitions ...domain.StateTransition) {
	if len(transitions) == 0 {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, transitions...)
	b.mu.Unlock()
}

// Pending returns number of unflushed transitions.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush persists queued transitions and drops them from buffer on success.
// Params: context for store I/O and destination store.
// Returns: number of persisted transitions or PersistenceError (buffer kept for retry).
func (b *Buffer) Flush(ctx context.Context, store Store) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := make([]domain.StateTransition, len(b.pending))
	copy(batch, b.pending)
	b.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}
	for i := range batch {
		batch[i].IsSyncedToDatabase = true
	}

	if err := store.PersistTransitions(ctx, b.environment, batch); err != nil {
		return 0, domain.NewError(domain.KindPersistence, "flush history", err)
	}

	b.mu.Lock()
	// Appends that raced with the store call stay queued.
	b.pending = append(b.pending[:0:0], b.pending[len(batch):]...)
	b.mu.Unlock()
	return len(batch), nil
}

// Query reads persisted and buffered transitions selected by filter.
// Params: context for store I/O, source store (nil reads buffer only), and filter.
// Returns: merged transitions deduplicated by element/source time/check/alert, oldest first.
func (b *Buffer) Query(ctx context.Context, store Store, filter Filter) ([]domain.StateTransition, error) {
	b.mu.Lock()
	buffered := make([]domain.StateTransition, 0, len(b.pending))
	for _, transition := range b.pending {
		if filter.Match(transition) {
			buffered = append(buffered, transition)
		}
	}
	b.mu.Unlock()

	if store == nil {
		return Merge(buffered), nil
	}
	stored, err := store.QueryTransitions(ctx, b.environment, filter)
	if err != nil {
		return nil, domain.NewError(domain.KindPersistence, "query history", err)
	}
	return Merge(stored, buffered), nil
}
