package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"healthtree/internal/domain"
	"healthtree/test/testutil"
)

func TestNATSStoreSaveLoadIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url := testutil.StartNATS(t).URL

	store, err := NewNATSStore(NATSStoreConfig{URL: []string{url}, Bucket: "state_test", AllowCreateBuckets: true})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	empty, err := store.LoadCurrentStates(ctx, "prod")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty snapshot, got %v err=%v", empty, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"chk1", "chk2", "C1", "E"}[i]
			if err := store.SaveCurrentStates(ctx, "prod", []domain.StateTransition{transition(id, domain.StateError, time.Duration(i)*time.Second)}); err != nil {
				t.Errorf("save %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	current, err := store.LoadCurrentStates(ctx, "prod")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(current) != 4 {
		t.Fatalf("expected concurrent saves to merge, got %d elements", len(current))
	}

	if err := store.DeleteEnvironment(ctx, "prod"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
