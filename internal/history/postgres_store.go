package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"healthtree/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS state_transitions (
	environment      TEXT        NOT NULL,
	element_id       TEXT        NOT NULL,
	source_timestamp TIMESTAMPTZ NOT NULL,
	check_id         TEXT        NOT NULL DEFAULT '',
	alert_name       TEXT        NOT NULL DEFAULT '',
	record_id        TEXT        NOT NULL,
	component_type   TEXT        NOT NULL,
	state            TEXT        NOT NULL,
	payload          JSONB       NOT NULL,
	PRIMARY KEY (environment, element_id, source_timestamp, check_id, alert_name)
);
CREATE INDEX IF NOT EXISTS state_transitions_env_time_idx
	ON state_transitions (environment, source_timestamp);
`

const insertTransition = `
INSERT INTO state_transitions
	(environment, element_id, source_timestamp, check_id, alert_name, record_id, component_type, state, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT DO NOTHING`

// PostgresStore persists transition history in PostgreSQL.
// Params: pgx connection pool.
// Returns: SQL-backed history store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects pool and ensures schema.
// Params: context for setup, DSN, and max pool connections (0 keeps pgx default).
// Returns: ready store or connect/migrate error.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "healthtree"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTransitionsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// PersistTransitions inserts transitions in one batch; repeated facts are skipped by primary key.
// Params: context, environment name, and transitions.
// Returns: encode or batch execution error.
func (s *PostgresStore) PersistTransitions(ctx context.Context, environment string, transitions []domain.StateTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, transition := range transitions {
		transition.IsSyncedToDatabase = true
		payload, err := json.Marshal(transition)
		if err != nil {
			return fmt.Errorf("encode transition %q: %w", transition.RecordID, err)
		}
		batch.Queue(insertTransition,
			environment,
			transition.ElementID,
			transition.SourceTimestamp.UTC(),
			transition.CheckID,
			transition.AlertName,
			transition.RecordID,
			string(transition.ComponentType),
			string(transition.State),
			payload,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	for range transitions {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert transitions: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert transitions: %w", err)
	}
	return nil
}

// QueryTransitions selects transitions by environment, time range, and element filter.
// Params: context, environment name, and filter.
// Returns: matching transitions ordered by source time.
func (s *PostgresStore) QueryTransitions(ctx context.Context, environment string, filter Filter) ([]domain.StateTransition, error) {
	conditions := []string{"environment = $1"}
	args := []any{environment}
	if !filter.Start.IsZero() {
		args = append(args, filter.Start.UTC())
		conditions = append(conditions, fmt.Sprintf("source_timestamp >= $%d", len(args)))
	}
	if !filter.End.IsZero() {
		args = append(args, filter.End.UTC())
		conditions = append(conditions, fmt.Sprintf("source_timestamp <= $%d", len(args)))
	}
	if len(filter.ElementIDs) > 0 {
		args = append(args, filter.ElementIDs)
		conditions = append(conditions, fmt.Sprintf("element_id = ANY($%d)", len(args)))
	} else if !filter.IncludeChecks {
		args = append(args, string(domain.ComponentTypeCheck))
		conditions = append(conditions, fmt.Sprintf("component_type <> $%d", len(args)))
	}
	query := "SELECT payload FROM state_transitions WHERE " + strings.Join(conditions, " AND ") + " ORDER BY source_timestamp"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("scan transitions: %w", err)
	}

	out := make([]domain.StateTransition, 0, len(payloads))
	for _, payload := range payloads {
		var transition domain.StateTransition
		if err := json.Unmarshal(payload, &transition); err != nil {
			return nil, fmt.Errorf("decode transition: %w", err)
		}
		if filter.Match(transition) {
			out = append(out, transition)
		}
	}
	return out, nil
}

// Close releases pool connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
