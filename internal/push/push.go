package push

import (
	"context"
	"time"

	"healthtree/internal/domain"
)

// Batch is one propagation pass published to real-time subscribers.
type Batch struct {
	Environment string                   `json:"environment"`
	Transitions []domain.StateTransition `json:"transitions"`
	PublishedAt time.Time                `json:"published_at"`
}

// Publisher receives applied transition batches.
type Publisher interface {
	Publish(ctx context.Context, batch Batch) error
}

// Multi forwards batches to every publisher and returns first error.
type Multi struct {
	publishers []Publisher
}

// NewMulti constructs fan-out publisher skipping nil entries.
func NewMulti(publishers ...Publisher) *Multi {
	out := &Multi{}
	for _, publisher := range publishers {
		if publisher != nil {
			out.publishers = append(out.publishers, publisher)
		}
	}
	return out
}

// Publish forwards batch to all publishers.
func (m *Multi) Publish(ctx context.Context, batch Batch) error {
	if m == nil {
		return nil
	}
	var firstErr error
	for _, publisher := range m.publishers {
		if err := publisher.Publish(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
