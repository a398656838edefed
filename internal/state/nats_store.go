package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"healthtree/internal/domain"

	"github.com/nats-io/nats.go"
)

const maxCASAttempts = 8

// NATSStoreConfig configures JetStream KV state backend.
type NATSStoreConfig struct {
	URL                []string
	Bucket             string
	AllowCreateBuckets bool
}

// NATSStore persists current states in JetStream KV bucket, one key per environment.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed state store with revision CAS updates.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) state bucket.
// Params: NATS URLs, bucket name, and create switch.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings NATSStoreConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open state bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "healthtree current element states",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create state bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// environmentKey encodes environment name into KV-safe key.
func environmentKey(environment string) string {
	return "env." + base64.RawURLEncoding.EncodeToString([]byte(environment))
}

// LoadCurrentStates reads environment snapshot.
// Params: environment name.
// Returns: latest transitions per element (empty map when key is absent).
func (s *NATSStore) LoadCurrentStates(_ context.Context, environment string) (map[string][]domain.StateTransition, error) {
	current, _, err := s.get(environment)
	if errors.Is(err, ErrNotFound) {
		return map[string][]domain.StateTransition{}, nil
	}
	return current, err
}

// get reads one snapshot and its KV revision.
func (s *NATSStore) get(environment string) (map[string][]domain.StateTransition, uint64, error) {
	entry, err := s.kv.Get(environmentKey(environment))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get states: %w", err)
	}
	current := make(map[string][]domain.StateTransition)
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return nil, 0, fmt.Errorf("decode states: %w", err)
	}
	return current, entry.Revision(), nil
}

// SaveCurrentStates merges transitions into snapshot with optimistic concurrency.
// Params: context, environment name, and applied transitions.
// Returns: persistence error after CAS retries are exhausted.
func (s *NATSStore) SaveCurrentStates(ctx context.Context, environment string, transitions []domain.StateTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	key := environmentKey(environment)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, revision, err := s.get(environment)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		body, err := json.Marshal(mergeCurrent(current, transitions))
		if err != nil {
			return fmt.Errorf("encode states: %w", err)
		}
		if revision == 0 {
			_, err = s.kv.Create(key, body)
		} else {
			_, err = s.kv.Update(key, body, revision)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("write states: %w", err)
		}
	}
	return fmt.Errorf("write states: %w", ErrConflict)
}

// isConflict reports CAS revision mismatch.
func isConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// DeleteEnvironment removes environment snapshot.
func (s *NATSStore) DeleteEnvironment(_ context.Context, environment string) error {
	if err := s.kv.Delete(environmentKey(environment)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete states: %w", err)
	}
	return nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
