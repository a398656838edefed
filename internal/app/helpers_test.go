package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"healthtree/internal/catalog"
	"healthtree/internal/clock"
	"healthtree/internal/domain"
	"healthtree/internal/engine"
	"healthtree/internal/history"
	"healthtree/internal/metrics"
	"healthtree/internal/state"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type staticCatalog struct {
	mu            sync.Mutex
	environments  map[string]domain.Environment
	notification  []domain.NotificationRule
	stateIncrease []domain.StateIncreaseRule
	ignore        []domain.IgnoreRule
	deployments   []domain.DeploymentWindow
}

func newStaticCatalog(envs ...domain.Environment) *staticCatalog {
	c := &staticCatalog{environments: make(map[string]domain.Environment)}
	for _, env := range envs {
		c.environments[env.Name] = env
	}
	return c
}

func (c *staticCatalog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.environments))
	for name := range c.environments {
		out = append(out, name)
	}
	return out
}

func (c *staticCatalog) ListEnvironments(context.Context) ([]string, error) {
	return c.names(), nil
}

func (c *staticCatalog) LoadEnvironmentTree(_ context.Context, name string) (domain.Environment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.environments[name]
	if !ok {
		return domain.Environment{}, fmt.Errorf("%w: %q", catalog.ErrEnvironmentNotFound, name)
	}
	return env, nil
}

func (c *staticCatalog) LoadChecks(context.Context, string) (map[string]domain.Check, error) {
	return nil, nil
}

func (c *staticCatalog) LoadActiveIgnoreRules(context.Context, string) ([]domain.IgnoreRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.IgnoreRule(nil), c.ignore...), nil
}

func (c *staticCatalog) LoadActiveNotificationRules(context.Context, string) ([]domain.NotificationRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.NotificationRule(nil), c.notification...), nil
}

func (c *staticCatalog) LoadActiveStateIncreaseRules(context.Context, string) ([]domain.StateIncreaseRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.StateIncreaseRule(nil), c.stateIncrease...), nil
}

func (c *staticCatalog) LoadCurrentAndFutureDeployments(context.Context, string) ([]domain.DeploymentWindow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.DeploymentWindow(nil), c.deployments...), nil
}

// recordingHooks captures hook calls.
type recordingHooks struct {
	mu      sync.Mutex
	batches [][]domain.StateTransition
	intents []domain.NotificationIntent
}

func (h *recordingHooks) OnTransitionsApplied(_ context.Context, _ string, transitions []domain.StateTransition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, transitions)
}

func (h *recordingHooks) OnNotificationIntent(_ context.Context, intent domain.NotificationIntent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.intents = append(h.intents, intent)
}

func (h *recordingHooks) batchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.batches)
}

func (h *recordingHooks) intentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.intents)
}

func (h *recordingHooks) batch(i int) []domain.StateTransition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batches[i]
}

// chainEnvironment builds E -> S1 -> A1 -> C1 -> [chk1, chk2].
func chainEnvironment(name, subscriptionID, prefix string) domain.Environment {
	return domain.Environment{
		ElementID:      prefix + "E",
		Name:           name,
		SubscriptionID: subscriptionID,
		Services: []domain.Service{{
			ElementID: prefix + "S1",
			Actions: []domain.Action{{
				ElementID: prefix + "A1",
				Components: []domain.Component{{
					ElementID: prefix + "C1",
					Checks:    []domain.Check{{ElementID: prefix + "chk1"}, {ElementID: prefix + "chk2"}},
				}},
			}},
		}},
	}
}

func alertFor(subscriptionID, componentID string, state domain.State) domain.AlertEvent {
	return domain.AlertEvent{
		AlertName:      "latency",
		SubscriptionID: subscriptionID,
		ComponentID:    componentID,
		CheckID:        componentID,
		Description:    "latency " + strings.ToLower(string(state)),
		State:          state,
	}
}

type managerFixture struct {
	manager *Manager
	catalog *staticCatalog
	states  *state.MemoryStore
	history *history.MemoryStore
	hooks   *recordingHooks
	metrics *metrics.Metrics
	clock   *clock.Manual
}

func newManagerFixture(t *testing.T, repo *staticCatalog) *managerFixture {
	t.Helper()
	fx := &managerFixture{
		catalog: repo,
		states:  state.NewMemoryStore(),
		history: history.NewMemoryStore(),
		hooks:   &recordingHooks{},
		metrics: metrics.New(),
		clock:   clock.NewManual(testStart),
	}
	fx.manager = NewManager(ManagerOptions{
		Catalog:   repo,
		States:    fx.states,
		History:   fx.history,
		Hooks:     fx.hooks,
		Metrics:   fx.metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     fx.clock,
		QueueSize: 8,
		Engine: engine.Options{
			HeartbeatCheckID:   "heartbeat",
			HeartbeatThreshold: 5 * time.Minute,
		},
	})
	if err := fx.manager.Sync(context.Background()); err != nil {
		t.Fatalf("sync manager: %v", err)
	}
	t.Cleanup(func() {
		_ = fx.manager.Close(context.Background())
	})
	return fx
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func elementIDs(transitions []domain.StateTransition) []string {
	out := make([]string, 0, len(transitions))
	for _, transition := range transitions {
		out = append(out, transition.ElementID)
	}
	return out
}
