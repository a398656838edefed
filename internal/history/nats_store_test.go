package history

import (
	"context"
	"testing"
	"time"

	"healthtree/internal/domain"
	"healthtree/test/testutil"
)

func TestNATSStorePersistAndQueryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url := testutil.StartNATS(t).URL

	store, err := NewNATSStore(NATSStoreConfig{URL: []string{url}, Bucket: "history_test", AllowCreateBuckets: true})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	records := []domain.StateTransition{
		transitionAt("chk1", domain.ComponentTypeCheck, domain.StateError, 0),
		transitionAt("C1", domain.ComponentTypeComponent, domain.StateError, 0),
		transitionAt("C1", domain.ComponentTypeComponent, domain.StateOk, time.Hour),
	}
	if err := store.PersistTransitions(ctx, "prod", records); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.PersistTransitions(ctx, "prod", records[:1]); err != nil {
		t.Fatalf("persist repeated fact: %v", err)
	}
	if err := store.PersistTransitions(ctx, "staging", records[:1]); err != nil {
		t.Fatalf("persist other environment: %v", err)
	}

	all, err := store.QueryTransitions(ctx, "prod", Filter{IncludeChecks: true})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(all))
	}

	byElement, err := store.QueryTransitions(ctx, "prod", Filter{ElementIDs: []string{"C1"}, End: historyStart.Add(time.Minute)})
	if err != nil {
		t.Fatalf("query by element: %v", err)
	}
	if len(byElement) != 1 || byElement[0].State != domain.StateError {
		t.Fatalf("unexpected element query result: %+v", byElement)
	}
}
