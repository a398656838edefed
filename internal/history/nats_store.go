package history

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"healthtree/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStoreConfig configures JetStream KV history backend.
type NATSStoreConfig struct {
	URL                []string
	Bucket             string
	AllowCreateBuckets bool
}

// NATSStore persists transition history in JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed history store; key layout is <environment>.<element>.<fact-hash>.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) history bucket.
// Params: NATS URLs, bucket name, and create switch.
// Returns: initialized store or setup error.
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
			return nil, fmt.Errorf("open history bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "healthtree transition history",
			History:     1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create history bucket %q: %w", settings.Bucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

// keyToken encodes arbitrary identifier into KV-safe key token.
func keyToken(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// factKey builds stable KV key for one history fact.
func factKey(environment string, transition domain.StateTransition) string {
	sum := sha1.Sum([]byte(transition.ElementID + "\n" +
		strconv.FormatInt(transition.SourceTimestamp.UnixNano(), 10) + "\n" +
		transition.CheckID + "\n" +
		transition.AlertName))
	return keyToken(environment) + "." + keyToken(transition.ElementID) + "." + hex.EncodeToString(sum[:])
}

// PersistTransitions writes every transition under its fact key; rewrites of one fact are idempotent.
// Params: context, environment name, and transitions.
// Returns: first put/encode error.
func (s *NATSStore) PersistTransitions(ctx context.Context, environment string, transitions []domain.StateTransition) error {
	for _, transition := range transitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		transition.IsSyncedToDatabase = true
		body, err := json.Marshal(transition)
		if err != nil {
			return fmt.Errorf("encode transition %q: %w", transition.RecordID, err)
		}
		if _, err := s.kv.Put(factKey(environment, transition), body); err != nil {
			return fmt.Errorf("put transition %q: %w", transition.RecordID, err)
		}
	}
	return nil
}

// QueryTransitions scans environment keys and decodes matching transitions.
// Params: context, environment name, and filter.
// Returns: matching transitions or KV error.
func (s *NATSStore) QueryTransitions(ctx context.Context, environment string, filter Filter) ([]domain.StateTransition, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	prefixes := []string{keyToken(environment) + "."}
	if len(filter.ElementIDs) > 0 {
		prefixes = prefixes[:0]
		for _, id := range filter.ElementIDs {
			prefixes = append(prefixes, keyToken(environment)+"."+keyToken(id)+".")
		}
	}

	var out []domain.StateTransition
	for _, key := range keys {
		if !hasAnyPrefix(key, prefixes) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get transition %q: %w", key, err)
		}
		var transition domain.StateTransition
		if err := json.Unmarshal(entry.Value(), &transition); err != nil {
			return nil, fmt.Errorf("decode transition %q: %w", key, err)
		}
		if filter.Match(transition) {
			out = append(out, transition)
		}
	}
	return out, nil
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
