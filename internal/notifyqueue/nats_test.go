package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"healthtree/internal/config"
	"healthtree/internal/domain"
	"healthtree/test/testutil"
)

func newTestQueueConfig(natsURL string, maxDeliver int) config.NotifyQueue {
	return config.NotifyQueue{
		Enabled:       true,
		URL:           []string{natsURL},
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
		Subject:       "healthtree.notify.jobs",
		Stream:        "HEALTHTREE_NOTIFY",
		ConsumerName:  "healthtree-notify",
		DeliverGroup:  "healthtree-notify-workers",
		DLQSubject:    "healthtree.notify.dlq",
		DLQStream:     "HEALTHTREE_NOTIFY_DLQ",
	}
}

func waitForCallsAtLeast(t *testing.T, timeout time.Duration, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(counter) >= min {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testIntent(createdAt time.Time) domain.NotificationIntent {
	return domain.NotificationIntent{
		Environment: "prod",
		Rule: domain.NotificationRule{
			ID: "notify-1",
			Routes: []domain.NotificationRoute{
				{Channel: "telegram", Template: "tg_default"},
				{Channel: "http", Template: "hook"},
			},
		},
		Transition: domain.StateTransition{
			AlertEvent: domain.AlertEvent{RecordID: "r-1", State: domain.StateError},
			ElementID:  "C1",
		},
		HighestLevel: domain.StateError,
		CreatedAt:    createdAt,
	}
}

func testJob(intent domain.NotificationIntent) Job {
	return JobsForIntent(intent, time.Now().UTC())[0]
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	idA := BuildJobID("telegram", "tg_default", testIntent(now))
	idB := BuildJobID("telegram", "tg_default", testIntent(now))
	if idA == "" {
		t.Fatalf("expected non-empty job id")
	}
	if idA != idB {
		t.Fatalf("expected deterministic ids: %q != %q", idA, idB)
	}

	recovery := testIntent(now)
	recovery.Recovery = true
	if BuildJobID("telegram", "tg_default", recovery) == idA {
		t.Fatalf("recovery intent must produce different id")
	}
}

func TestJobsForIntentExpandsRoutes(t *testing.T) {
	t.Parallel()

	jobs := JobsForIntent(testIntent(time.Unix(1700000000, 0).UTC()), time.Now())
	if len(jobs) != 2 {
		t.Fatalf("expected one job per route, got %+v", jobs)
	}
	if jobs[0].Channel != "telegram" || jobs[1].Channel != "http" || jobs[0].ID == jobs[1].ID {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestPermanentMarker(t *testing.T) {
	t.Parallel()

	if MarkPermanent(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	cause := errors.New("bad template")
	wrapped := fmt.Errorf("deliver: %w", MarkPermanent(cause))
	if !IsPermanent(wrapped) || !errors.Is(wrapped, cause) {
		t.Fatalf("expected permanent marker through wrap chain: %v", wrapped)
	}
	if IsPermanent(cause) {
		t.Fatalf("plain error must not be permanent")
	}
}

func TestTopologyScopesSubjectsPerEnvironment(t *testing.T) {
	t.Parallel()

	cfg := newTestQueueConfig("nats://127.0.0.1:4222", 3)
	cfg.Subject = "ops.notify."
	cfg.DLQ = true
	topology, err := TopologyFor(cfg)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if got := topology.JobSubject("prod eu.1"); got != "ops.notify.prod_eu_1" {
		t.Fatalf("unexpected job subject %q", got)
	}
	if got := topology.DeadLetterSubject("stage"); got != "healthtree.notify.dlq.stage" {
		t.Fatalf("unexpected dead letter subject %q", got)
	}
	if topology.jobFilter() != "ops.notify.>" || topology.dlqFilter() != "healthtree.notify.dlq.>" {
		t.Fatalf("unexpected stream filters %q %q", topology.jobFilter(), topology.dlqFilter())
	}

	cfg.DLQStream = ""
	if _, err := TopologyFor(cfg); err == nil {
		t.Fatalf("expected missing dlq stream to fail")
	}
	if _, err := TopologyFor(config.NotifyQueue{}); err == nil {
		t.Fatalf("expected blank names to fail")
	}
}

func TestDeadLetterReason(t *testing.T) {
	t.Parallel()

	transient := errors.New("timeout")
	tests := []struct {
		name       string
		err        error
		attempts   uint64
		maxDeliver int
		want       DLQReason
	}{
		{name: "permanent first attempt", err: MarkPermanent(transient), attempts: 1, maxDeliver: 3, want: DLQReasonPermanentError},
		{name: "transient with retries left", err: transient, attempts: 2, maxDeliver: 3, want: ""},
		{name: "transient on last attempt", err: transient, attempts: 3, maxDeliver: 3, want: DLQReasonMaxDeliverExceeded},
		{name: "unlimited deliveries", err: transient, attempts: 50, maxDeliver: -1, want: ""},
	}
	for _, tt := range tests {
		if got := deadLetterReason(tt.err, tt.attempts, tt.maxDeliver); got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, got, tt.want)
		}
	}
}

func TestNATSProducerPublishesOnEnvironmentSubject(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}
	srv := testutil.StartNATS(t)
	natsURL := srv.URL

	cfg := newTestQueueConfig(natsURL, 3)
	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	sub := srv.SubscribeSync(t, cfg.Subject+".stage")

	prod := testJob(testIntent(time.Now().UTC()))
	stageIntent := testIntent(time.Now().UTC())
	stageIntent.Environment = "stage"
	stage := testJob(stageIntent)
	for _, job := range []Job{prod, stage} {
		if err := producer.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("enqueue %s: %v", job.Intent.Environment, err)
		}
	}

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait stage job: %v", err)
	}
	var got Job
	if err := json.Unmarshal(message.Data, &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.ID != stage.ID || got.Intent.Environment != "stage" {
		t.Fatalf("expected only stage job on stage subject, got %+v", got)
	}
	if _, err := sub.NextMsg(200 * time.Millisecond); err == nil {
		t.Fatalf("prod job leaked onto stage subject")
	}
}

func TestNATSProducerWorkerRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}
	srv := testutil.StartNATS(t)
	natsURL := srv.URL

	cfg := newTestQueueConfig(natsURL, 3)

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		doneCh   = make(chan struct{}, 1)
	)
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		mu.Unlock()
		if current == 1 {
			return context.DeadlineExceeded
		}
		select {
		case doneCh <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	job := testJob(testIntent(time.Now().UTC()))
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}

	mu.Lock()
	gotAttempts := attempts[job.ID]
	mu.Unlock()
	if gotAttempts < 2 {
		t.Fatalf("expected at least 2 attempts due redelivery, got %d", gotAttempts)
	}
}

func TestNATSWorkerPublishesPermanentErrorToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}
	srv := testutil.StartNATS(t)
	natsURL := srv.URL

	cfg := newTestQueueConfig(natsURL, 3)
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return MarkPermanent(errors.New("template missing"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	sub := srv.SubscribeSync(t, cfg.DLQSubject+".prod")

	job := testJob(testIntent(time.Now().UTC()))
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Job.ID != job.ID {
		t.Fatalf("unexpected dlq job id: %s", entry.Job.ID)
	}
	if entry.Attempts != 1 {
		t.Fatalf("unexpected attempts: %d", entry.Attempts)
	}

	waitForCallsAtLeast(t, time.Second, &calls, 1)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single handler call, got %d", got)
	}
}

func TestNATSWorkerPublishesMaxDeliverToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}
	srv := testutil.StartNATS(t)
	natsURL := srv.URL

	cfg := newTestQueueConfig(natsURL, 2)
	cfg.AckWaitSec = 1
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	sub := srv.SubscribeSync(t, cfg.DLQSubject+".prod")

	job := testJob(testIntent(time.Now().UTC()))
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Job.ID != job.ID {
		t.Fatalf("unexpected dlq job id: %s", entry.Job.ID)
	}
	if entry.Attempts < 2 {
		t.Fatalf("expected attempts>=2, got %d", entry.Attempts)
	}
	waitForCallsAtLeast(t, time.Second, &calls, 2)
}
