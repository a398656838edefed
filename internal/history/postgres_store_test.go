package history

import (
	"context"
	"os"
	"testing"
	"time"

	"healthtree/internal/domain"
)

func TestPostgresStorePersistAndQueryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}
	dsn := os.Getenv("HEALTHTREE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HEALTHTREE_TEST_POSTGRES_DSN is required for postgres integration test")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()

	environment := "it-" + time.Now().UTC().Format("20060102150405.000000000")
	records := []domain.StateTransition{
		transitionAt("chk1", domain.ComponentTypeCheck, domain.StateError, 0),
		transitionAt("C1", domain.ComponentTypeComponent, domain.StateError, 0),
	}
	if err := store.PersistTransitions(ctx, environment, records); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.PersistTransitions(ctx, environment, records); err != nil {
		t.Fatalf("persist repeated facts: %v", err)
	}

	noChecks, err := store.QueryTransitions(ctx, environment, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(noChecks) != 1 || noChecks[0].ElementID != "C1" {
		t.Fatalf("unexpected query result: %+v", noChecks)
	}

	withChecks, err := store.QueryTransitions(ctx, environment, Filter{IncludeChecks: true})
	if err != nil {
		t.Fatalf("query with checks: %v", err)
	}
	if len(withChecks) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(withChecks))
	}
}
