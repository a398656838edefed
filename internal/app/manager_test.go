package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"healthtree/internal/domain"
	"healthtree/internal/engine"
	"healthtree/internal/history"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestManagerAppliesScenarioInCausalOrder(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))

	result, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 1 || result.Transitions != 5 || len(result.Rejected) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	snapshot, err := fx.manager.Snapshot("prod")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.State("E") != domain.StateError || snapshot.State("chk2") != domain.StateOk {
		t.Fatalf("unexpected snapshot states: %+v", snapshot.States)
	}

	waitUntil(t, "transition hook", func() bool { return fx.hooks.batchCount() == 1 })
	if got := strings.Join(elementIDs(fx.hooks.batch(0)), ","); got != "chk1,C1,A1,S1,E" {
		t.Fatalf("unexpected hook order: %s", got)
	}

	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateOk)}); err != nil {
		t.Fatalf("submit recovery: %v", err)
	}
	snapshot, _ = fx.manager.Snapshot("prod")
	for _, id := range []string{"chk1", "C1", "A1", "S1", "E"} {
		if snapshot.State(id) != domain.StateOk {
			t.Fatalf("expected %s back to Ok, got %s", id, snapshot.State(id))
		}
	}
}

func TestManagerRoutingRejectionsKeepInputIndices(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(
		chainEnvironment("prod", "sub-1", ""),
		chainEnvironment("stage", "sub-2", "st-"),
	))

	events := []domain.AlertEvent{
		alertFor("sub-unknown", "chk1", domain.StateError),
		alertFor("sub-1", "chk1", domain.StateWarning),
		alertFor("", "chk1", domain.StateError),
		alertFor("sub-2", "missing", domain.StateError),
		alertFor("sub-2", "st-chk1", domain.StateError),
	}
	result, err := fx.manager.SubmitAlerts(context.Background(), events)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 2 {
		t.Fatalf("expected 2 accepted, got %+v", result)
	}
	expected := []struct {
		index int
		kind  domain.ErrorKind
	}{
		{0, domain.KindUnknownEnvironment},
		{2, domain.KindValidation},
		{3, domain.KindUnknownElement},
	}
	if len(result.Rejected) != len(expected) {
		t.Fatalf("unexpected rejections: %+v", result.Rejected)
	}
	for i, want := range expected {
		got := result.Rejected[i]
		if got.Index != want.index || got.Kind != want.kind {
			t.Fatalf("rejection %d: expected index=%d kind=%s, got %+v", i, want.index, want.kind, got)
		}
	}
	if got := testutil.ToFloat64(fx.metrics.AlertsRejected.WithLabelValues(string(domain.KindUnknownEnvironment))); got != 1 {
		t.Fatalf("expected one unknown_environment rejection metric, got %v", got)
	}
}

func TestManagerRejectsDuplicateSubscription(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	fx.catalog.mu.Lock()
	fx.catalog.environments["shadow"] = chainEnvironment("shadow", "sub-1", "sh-")
	fx.catalog.mu.Unlock()

	err := fx.manager.SyncCatalog(context.Background(), []string{"prod", "shadow"})
	if domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, ok := fx.manager.Environment("shadow"); ok {
		t.Fatalf("duplicate subscription environment must not be registered")
	}
	if _, ok := fx.manager.Environment("prod"); !ok {
		t.Fatalf("original environment must stay registered")
	}
}

func TestManagerSyncRefreshesAndDisposes(t *testing.T) {
	t.Parallel()

	repo := newStaticCatalog(
		chainEnvironment("prod", "sub-1", ""),
		chainEnvironment("stage", "sub-2", "st-"),
	)
	fx := newManagerFixture(t, repo)
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{
		alertFor("sub-1", "chk1", domain.StateError),
		alertFor("sub-2", "st-chk1", domain.StateWarning),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	refreshed := chainEnvironment("prod", "sub-1", "")
	refreshed.Services[0].Actions[0].Components[0].Checks = []domain.Check{{ElementID: "chk1"}, {ElementID: "chk3"}}
	repo.mu.Lock()
	repo.environments["prod"] = refreshed
	delete(repo.environments, "stage")
	repo.mu.Unlock()

	if err := fx.manager.SyncCatalog(context.Background(), repo.names()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := fx.manager.Environment("stage"); ok {
		t.Fatalf("stage must be disposed")
	}
	snapshot, _ := fx.manager.Snapshot("prod")
	if snapshot.State("chk1") != domain.StateError || snapshot.State("E") != domain.StateError {
		t.Fatalf("surviving element state must be kept: %+v", snapshot.States)
	}
	if _, ok := snapshot.States["chk2"]; ok {
		t.Fatalf("removed element must be dropped")
	}
	if snapshot.State("chk3") != domain.StateOk {
		t.Fatalf("new element must start Ok, got %s", snapshot.State("chk3"))
	}

	stored, err := fx.history.QueryTransitions(context.Background(), "stage", history.Filter{IncludeChecks: true})
	if err != nil {
		t.Fatalf("query stage history: %v", err)
	}
	if len(stored) != 5 {
		t.Fatalf("disposed environment history must be flushed, got %d transitions", len(stored))
	}

	result, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-2", "st-chk1", domain.StateOk)})
	if err != nil {
		t.Fatalf("submit after dispose: %v", err)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].Kind != domain.KindUnknownEnvironment {
		t.Fatalf("expected unknown environment after dispose, got %+v", result)
	}
}

func TestManagerSeedsCurrentStatesFromStore(t *testing.T) {
	t.Parallel()

	repo := newStaticCatalog(chainEnvironment("prod", "sub-1", ""))
	first := newManagerFixture(t, repo)
	if _, err := first.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk2", domain.StateWarning)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitUntil(t, "state save", func() bool {
		current, err := first.states.LoadCurrentStates(context.Background(), "prod")
		return err == nil && len(current["E"]) > 0
	})

	second := NewManager(ManagerOptions{
		Catalog: repo,
		States:  first.states,
		Logger:  first.manager.logger,
		Clock:   first.clock,
	})
	if err := second.Sync(context.Background()); err != nil {
		t.Fatalf("sync second manager: %v", err)
	}
	defer second.Close(context.Background())
	snapshot, _ := second.Snapshot("prod")
	if snapshot.State("chk2") != domain.StateWarning || snapshot.State("E") != domain.StateWarning {
		t.Fatalf("expected bootstrapped Warning, got %+v", snapshot.States)
	}
}

func TestManagerHeartbeatTicks(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))

	fx.clock.Advance(4 * time.Minute)
	if err := fx.manager.CheckHeartbeats(context.Background()); err != nil {
		t.Fatalf("heartbeat tick: %v", err)
	}
	snapshot, _ := fx.manager.Snapshot("prod")
	if snapshot.State("heartbeat") != domain.StateOk {
		t.Fatalf("heartbeat must stay Ok before threshold")
	}

	fx.clock.Advance(2 * time.Minute)
	for i := 0; i < 2; i++ {
		if err := fx.manager.CheckHeartbeats(context.Background()); err != nil {
			t.Fatalf("heartbeat tick: %v", err)
		}
	}
	snapshot, _ = fx.manager.Snapshot("prod")
	if snapshot.State("heartbeat") != domain.StateError || snapshot.State("E") != domain.StateError {
		t.Fatalf("expected heartbeat failure to propagate: %+v", snapshot.States)
	}
	if got := testutil.ToFloat64(fx.metrics.HeartbeatFailures.WithLabelValues("prod")); got != 1 {
		t.Fatalf("expected exactly one heartbeat failure, got %v", got)
	}

	if err := fx.manager.RecordHeartbeat(context.Background(), "sub-1"); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}
	snapshot, _ = fx.manager.Snapshot("prod")
	if snapshot.State("heartbeat") != domain.StateOk || snapshot.State("E") != domain.StateOk {
		t.Fatalf("expected heartbeat recovery: %+v", snapshot.States)
	}

	err := fx.manager.RecordHeartbeat(context.Background(), "sub-unknown")
	if domain.KindOf(err) != domain.KindUnknownEnvironment {
		t.Fatalf("expected unknown environment, got %v", err)
	}
}

func TestManagerEscalationTick(t *testing.T) {
	t.Parallel()

	repo := newStaticCatalog(chainEnvironment("prod", "sub-1", ""))
	repo.stateIncrease = []domain.StateIncreaseRule{{
		ID:          "slow-warning",
		Condition:   domain.RuleCondition{AlertName: "latency"},
		TriggerTime: 30 * time.Second,
	}}
	fx := newManagerFixture(t, repo)

	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateWarning)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fx.clock.Advance(10 * time.Second)
	if err := fx.manager.EvaluateEscalations(context.Background()); err != nil {
		t.Fatalf("escalation tick: %v", err)
	}
	snapshot, _ := fx.manager.Snapshot("prod")
	if snapshot.State("chk1") != domain.StateWarning {
		t.Fatalf("escalation must wait trigger time")
	}

	fx.clock.Advance(30 * time.Second)
	if err := fx.manager.EvaluateEscalations(context.Background()); err != nil {
		t.Fatalf("escalation tick: %v", err)
	}
	snapshot, _ = fx.manager.Snapshot("prod")
	if snapshot.State("chk1") != domain.StateError {
		t.Fatalf("expected escalated Error, got %s", snapshot.State("chk1"))
	}
	if !strings.HasPrefix(snapshot.States["chk1"].ChangeReason.Description, domain.StateIncreasedPrefix) {
		t.Fatalf("expected escalation prefix, got %q", snapshot.States["chk1"].ChangeReason.Description)
	}
}

func TestManagerNotificationIntentsReachHooks(t *testing.T) {
	t.Parallel()

	repo := newStaticCatalog(chainEnvironment("prod", "sub-1", ""))
	repo.notification = []domain.NotificationRule{{
		ID:                   "services",
		ComponentTypes:       []domain.ComponentType{domain.ComponentTypeService},
		States:               []domain.State{domain.StateWarning, domain.StateError},
		NotificationInterval: time.Hour,
		Routes:               []domain.NotificationRoute{{Channel: "telegram", Template: "default"}},
	}}
	fx := newManagerFixture(t, repo)

	for i := 0; i < 2; i++ {
		if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateWarning)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitUntil(t, "notification intent", func() bool { return fx.hooks.intentCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := fx.hooks.intentCount(); got != 1 {
		t.Fatalf("expected one debounced intent, got %d", got)
	}
	fx.hooks.mu.Lock()
	intent := fx.hooks.intents[0]
	fx.hooks.mu.Unlock()
	if intent.Environment != "prod" || intent.Transition.ElementID != "S1" || intent.Rule.ID != "services" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestManagerQueryHistoryExpandsSubtree(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.manager.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk2", domain.StateWarning)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	withoutChecks, err := fx.manager.QueryHistory(context.Background(), "prod", history.Filter{ElementIDs: []string{"A1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, transition := range withoutChecks {
		if transition.ComponentType == domain.ComponentTypeCheck {
			t.Fatalf("check transitions must be excluded: %+v", elementIDs(withoutChecks))
		}
	}
	if len(withoutChecks) != 2 {
		t.Fatalf("expected A1 and C1 from flushed pass, got %v", elementIDs(withoutChecks))
	}

	withChecks, err := fx.manager.QueryHistory(context.Background(), "prod", history.Filter{ElementIDs: []string{"A1"}, IncludeChecks: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(withChecks) != 4 {
		t.Fatalf("expected buffered and persisted checks merged, got %v", elementIDs(withChecks))
	}

	_, err = fx.manager.QueryHistory(context.Background(), "prod", history.Filter{ElementIDs: []string{"nope"}})
	if domain.KindOf(err) != domain.KindUnknownElement {
		t.Fatalf("expected unknown element, got %v", err)
	}
	_, err = fx.manager.QueryHistory(context.Background(), "missing", history.Filter{})
	if domain.KindOf(err) != domain.KindUnknownEnvironment {
		t.Fatalf("expected unknown environment, got %v", err)
	}
}

func TestManagerResetReturnsSubtreeToOk(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{
		alertFor("sub-1", "chk1", domain.StateError),
		alertFor("sub-1", "chk2", domain.StateWarning),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	transitions, err := fx.manager.Reset(context.Background(), "prod", "C1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(transitions) == 0 {
		t.Fatalf("expected reset transitions")
	}
	for _, transition := range transitions {
		if transition.Description != domain.ResetDescription {
			t.Fatalf("unexpected reset description: %q", transition.Description)
		}
	}
	snapshot, _ := fx.manager.Snapshot("prod")
	if snapshot.State("E") != domain.StateOk {
		t.Fatalf("expected environment Ok after reset, got %s", snapshot.State("E"))
	}
	if _, err := fx.manager.Reset(context.Background(), "prod", "nope"); domain.KindOf(err) != domain.KindUnknownElement {
		t.Fatalf("expected unknown element, got %v", err)
	}
}

func TestManagerConcurrentBatchesStayConsistent(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(
		chainEnvironment("prod", "sub-1", ""),
		chainEnvironment("stage", "sub-2", "st-"),
	))

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			states := []domain.State{domain.StateWarning, domain.StateError, domain.StateOk}
			for i := 0; i < 30; i++ {
				state := states[(worker+i)%len(states)]
				_, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{
					alertFor("sub-1", "chk1", state),
					alertFor("sub-2", "st-chk2", state),
				})
				if err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	for _, name := range []string{"prod", "stage"} {
		snapshot, _ := fx.manager.Snapshot(name)
		leafState := domain.StateOk
		for _, es := range snapshot.States {
			if es.ComponentType == domain.ComponentTypeCheck {
				leafState = domain.MaxState(leafState, es.CurrentState)
			}
		}
		if snapshot.State(snapshot.RootID) != leafState {
			t.Fatalf("%s: root %s does not match worst leaf %s", name, snapshot.State(snapshot.RootID), leafState)
		}
	}
}

func TestEnvironmentRejectsWorkAfterClose(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	env, ok := fx.manager.Environment("prod")
	if !ok {
		t.Fatalf("environment not registered")
	}
	env.Close()
	env.Close()

	_, err := env.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)})
	if !errors.Is(err, domain.ErrEnvironmentClosed) {
		t.Fatalf("expected closed environment error, got %v", err)
	}
	if err := fx.manager.EvaluateEscalations(context.Background()); err != nil {
		t.Fatalf("closed environment must not fail tick fan-out: %v", err)
	}
}

func TestEnvironmentHonorsCallerContext(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.manager.SubmitAlerts(ctx, []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected nil or canceled, got %v", err)
	}
}

func TestManagerFlushKeepsRecoveryFromSameBatch(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	result, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{
		alertFor("sub-1", "chk1", domain.StateError),
		alertFor("sub-1", "chk1", domain.StateOk),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Transitions != 10 {
		t.Fatalf("expected raise and recovery passes, got %+v", result)
	}
	if err := fx.manager.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stored, err := fx.history.QueryTransitions(context.Background(), "prod", history.Filter{IncludeChecks: true})
	if err != nil {
		t.Fatalf("query store: %v", err)
	}
	if len(stored) != 10 {
		t.Fatalf("expected 10 persisted transitions, got %v", elementIDs(stored))
	}
	subtree, err := fx.manager.QueryHistory(context.Background(), "prod", history.Filter{ElementIDs: []string{"E"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var root []domain.StateTransition
	for _, transition := range subtree {
		if transition.ElementID == "E" {
			root = append(root, transition)
		}
	}
	if len(root) != 2 || root[0].State != domain.StateError || root[1].State != domain.StateOk {
		t.Fatalf("expected persisted root history to end Ok, got %+v", root)
	}
}

func TestEnvironmentAppliesBatchWhenCallerStopsWaiting(t *testing.T) {
	t.Parallel()

	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	env, ok := fx.manager.Environment("prod")
	if !ok {
		t.Fatalf("environment not registered")
	}
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = env.do(context.Background(), func(*engine.Content, time.Time) (engine.Outcome, error) {
			close(started)
			<-release
			return engine.Outcome{}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := fx.manager.SubmitAlerts(ctx, []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)})
	if !errors.Is(err, domain.ErrResultPending) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected pending deadline error, got %v", err)
	}
	close(release)

	waitUntil(t, "enqueued batch applied", func() bool {
		snapshot, _ := fx.manager.Snapshot("prod")
		return snapshot.State("E") == domain.StateError
	})
}
