package push

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"healthtree/internal/domain"
	"healthtree/test/testutil"
)

func TestNATSPublisherIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	srv := testutil.StartNATS(t)
	url := srv.URL

	sub := srv.SubscribeSync(t, "healthtree.transitions.>")

	publisher, err := NewNATSPublisher([]string{url}, "healthtree.transitions.")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	batch := Batch{Environment: "prod", Transitions: []domain.StateTransition{{ElementID: "E"}}}
	if err := publisher.Publish(context.Background(), batch); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "healthtree.transitions.prod" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	var got Batch
	if err := json.Unmarshal(msg.Data, &got); err != nil || got.Transitions[0].ElementID != "E" {
		t.Fatalf("unexpected payload %+v err=%v", got, err)
	}
}
