package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"healthtree/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes transition batches to <prefix>.<environment> subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects publisher.
// Params: NATS URLs and subject prefix.
// Returns: publisher or connect error.
func NewNATSPublisher(urls []string, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns subject for environment name.
func (p *NATSPublisher) Subject(environment string) string {
	return config.EnvironmentSubject(p.prefix, environment)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}
	if err := p.nc.Publish(p.Subject(batch.Environment), payload); err != nil {
		return fmt.Errorf("publish transitions: %w", err)
	}
	return nil
}

// Close drains connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
