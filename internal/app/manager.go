package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"healthtree/internal/catalog"
	"healthtree/internal/clock"
	"healthtree/internal/domain"
	"healthtree/internal/engine"
	"healthtree/internal/history"
	"healthtree/internal/metrics"
	"healthtree/internal/state"
)

const (
	tickEscalation   = "escalation"
	tickNotification = "notification"
	tickHeartbeat    = "heartbeat"
	tickFlush        = "flush"
)

// ManagerOptions groups collaborators of Manager.
// Params: catalog repository, state/history stores, hooks, metrics, logger, clock, and engine settings.
// Returns: manager construction input; nil stores disable persistence.
type ManagerOptions struct {
	Catalog   catalog.Repository
	States    state.Store
	History   history.Store
	Hooks     Hooks
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     clock.Clock
	QueueSize int
	Engine    engine.Options
}

// Summary is short listing entry of one registered environment.
type Summary struct {
	Name             string       `json:"name"`
	SubscriptionID   string       `json:"subscription_id"`
	RootID           string       `json:"root_id"`
	State            domain.State `json:"state"`
	PendingHistory   int          `json:"pending_history"`
	HeartbeatFailing bool         `json:"heartbeat_failing"`
}

// Manager owns environment actors and routes work to them.
// Params: options shared by every environment.
// Returns: registry keyed by subscription id and by environment name.
type Manager struct {
	repo    catalog.Repository
	history history.Store
	deps    environmentDeps
	logger  *slog.Logger
	metrics *metrics.Metrics

	// lifecycle serializes create/refresh/dispose passes.
	lifecycle sync.Mutex

	// mu guards registry maps; alert delivery holds read lock until environment replies.
	mu             sync.RWMutex
	byName         map[string]*Environment
	bySubscription map[string]*Environment
}

// NewManager creates empty environment registry.
// Params: manager options.
// Returns: manager; call Sync to load environments from catalog.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		repo:    opts.Catalog,
		history: opts.History,
		deps: environmentDeps{
			states:    opts.States,
			hooks:     opts.Hooks,
			metrics:   opts.Metrics,
			logger:    logger,
			clock:     clk,
			queueSize: opts.QueueSize,
			options:   opts.Engine,
		},
		logger:         logger,
		metrics:        opts.Metrics,
		byName:         make(map[string]*Environment),
		bySubscription: make(map[string]*Environment),
	}
}

// Sync loads every catalog environment.
// Params: context for catalog and state bootstrap.
// Returns: joined per-environment errors.
func (m *Manager) Sync(ctx context.Context) error {
	names, err := m.repo.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	return m.SyncCatalog(ctx, names)
}

// SyncCatalog creates or refreshes named environments and disposes the rest.
// Params: context and full set of environment names present in catalog.
// Returns: joined per-environment errors; failed environments keep their previous engine.
func (m *Manager) SyncCatalog(ctx context.Context, names []string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	wanted := make(map[string]struct{}, len(names))
	var errs []error
	for _, name := range names {
		wanted[name] = struct{}{}
		if err := m.upsert(ctx, name); err != nil {
			m.logger.Error("environment sync failed", "environment", name, "error", err.Error())
			errs = append(errs, fmt.Errorf("environment %q: %w", name, err))
		}
	}

	m.mu.RLock()
	var stale []string
	for name := range m.byName {
		if _, ok := wanted[name]; !ok {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stale)
	for _, name := range stale {
		if err := m.dispose(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("dispose %q: %w", name, err))
		}
	}
	m.metrics.SetEnvironments(m.count())
	return errors.Join(errs...)
}

// upsert creates environment or refreshes existing one from catalog bundle.
func (m *Manager) upsert(ctx context.Context, name string) error {
	bundle, err := catalog.LoadBundle(ctx, m.repo, name)
	if err != nil {
		return err
	}
	subscriptionID := strings.TrimSpace(bundle.Environment.SubscriptionID)
	if subscriptionID == "" {
		return domain.NewError(domain.KindConfiguration, "register environment",
			fmt.Errorf("environment %q has no subscription id", name))
	}

	m.mu.RLock()
	existing := m.byName[name]
	owner := m.bySubscription[subscriptionID]
	m.mu.RUnlock()
	if owner != nil && owner.Name() != name {
		return domain.NewError(domain.KindConfiguration, "register environment",
			fmt.Errorf("subscription %q already routed to environment %q", subscriptionID, owner.Name()))
	}

	if existing == nil {
		env, err := newEnvironment(ctx, bundle, m.deps)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.byName[name] = env
		m.bySubscription[subscriptionID] = env
		m.mu.Unlock()
		m.logger.Info("environment created", "environment", name, "subscription_id", subscriptionID, "elements", len(env.Snapshot().States))
		return nil
	}

	if err := existing.Refresh(ctx, bundle); err != nil {
		return err
	}
	if existing.SubscriptionID() != subscriptionID {
		m.mu.Lock()
		delete(m.bySubscription, existing.SubscriptionID())
		existing.subscriptionID = subscriptionID
		m.bySubscription[subscriptionID] = existing
		m.mu.Unlock()
		m.logger.Info("environment subscription changed", "environment", name, "subscription_id", subscriptionID)
	}
	return nil
}

// dispose unregisters environment, flushes its history, and stops its actor.
func (m *Manager) dispose(ctx context.Context, name string) error {
	m.mu.Lock()
	env, ok := m.byName[name]
	if ok {
		delete(m.byName, name)
		if m.bySubscription[env.SubscriptionID()] == env {
			delete(m.bySubscription, env.SubscriptionID())
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	env.Close()
	var err error
	if m.history != nil {
		_, err = env.Flush(ctx, m.history)
	}
	m.metrics.ForgetEnvironment(name)
	m.logger.Info("environment disposed", "environment", name)
	return err
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}

// Environment returns registered environment by name.
func (m *Manager) Environment(name string) (*Environment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.byName[name]
	return env, ok
}

func (m *Manager) environments() []*Environment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Environment, 0, len(m.byName))
	for _, env := range m.byName {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SubmitAlerts routes alert batch by subscription id.
// Params: caller context and mixed-environment alerts.
// Returns: merged batch result with rejection indices of input slice; error only for ctx failures,
// ErrResultPending when every group was enqueued but some result was not awaited.
func (m *Manager) SubmitAlerts(ctx context.Context, events []domain.AlertEvent) (domain.BatchResult, error) {
	type group struct {
		env     *Environment
		events  []domain.AlertEvent
		indices []int
	}
	var result domain.BatchResult
	var routing domain.BatchResult
	groups := make(map[string]*group)
	var order []string

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, event := range events {
		subscriptionID := strings.TrimSpace(event.SubscriptionID)
		if subscriptionID == "" {
			routing.Reject(i, event, event.Validate())
			continue
		}
		env, ok := m.bySubscription[subscriptionID]
		if !ok {
			routing.Reject(i, event, domain.NewError(domain.KindUnknownEnvironment, "route alert",
				fmt.Errorf("subscription %q is not registered", subscriptionID)))
			continue
		}
		g, ok := groups[subscriptionID]
		if !ok {
			g = &group{env: env}
			groups[subscriptionID] = g
			order = append(order, subscriptionID)
		}
		g.events = append(g.events, event)
		g.indices = append(g.indices, i)
	}
	m.metrics.ObserveBatch("", routing)
	result.Merge(routing)

	var pendingErr error
	for _, subscriptionID := range order {
		g := groups[subscriptionID]
		partial, err := g.env.SubmitAlerts(ctx, g.events)
		if err != nil {
			if errors.Is(err, domain.ErrEnvironmentClosed) {
				for j, event := range g.events {
					result.Reject(g.indices[j], event, domain.NewError(domain.KindUnknownEnvironment, "route alert", err))
				}
				continue
			}
			if errors.Is(err, domain.ErrResultPending) {
				// Group is still applied by its environment; later groups see the expired ctx.
				pendingErr = err
				continue
			}
			return result, err
		}
		for j := range partial.Rejected {
			partial.Rejected[j].Index = g.indices[partial.Rejected[j].Index]
		}
		result.Merge(partial)
	}
	sort.SliceStable(result.Rejected, func(i, j int) bool {
		return result.Rejected[i].Index < result.Rejected[j].Index
	})
	return result, pendingErr
}

// RecordHeartbeat forwards liveness signal to environment of subscription.
// Params: caller context and subscription id.
// Returns: UnknownEnvironment error when subscription is not registered.
func (m *Manager) RecordHeartbeat(ctx context.Context, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.bySubscription[subscriptionID]
	if !ok {
		return domain.NewError(domain.KindUnknownEnvironment, "record heartbeat",
			fmt.Errorf("subscription %q is not registered", subscriptionID))
	}
	return env.RecordHeartbeat(ctx)
}

// EvaluateEscalations runs escalation tick on every environment.
func (m *Manager) EvaluateEscalations(ctx context.Context) error {
	return m.fanOut(ctx, tickEscalation, func(ctx context.Context, env *Environment) error {
		_, err := env.EvaluateEscalations(ctx)
		return err
	})
}

// EvaluateNotifications runs repeat-notification tick on every environment.
func (m *Manager) EvaluateNotifications(ctx context.Context) error {
	return m.fanOut(ctx, tickNotification, func(ctx context.Context, env *Environment) error {
		_, err := env.EvaluateNotifications(ctx)
		return err
	})
}

// CheckHeartbeats runs heartbeat tick on every environment.
func (m *Manager) CheckHeartbeats(ctx context.Context) error {
	return m.fanOut(ctx, tickHeartbeat, func(ctx context.Context, env *Environment) error {
		_, err := env.CheckHeartbeat(ctx)
		return err
	})
}

// Flush persists buffered history of every environment.
// Params: context for store I/O.
// Returns: joined flush errors; failed buffers are retained for next flush.
func (m *Manager) Flush(ctx context.Context) error {
	if m.history == nil {
		return nil
	}
	return m.fanOut(ctx, tickFlush, func(ctx context.Context, env *Environment) error {
		_, err := env.Flush(ctx, m.history)
		return err
	})
}

// fanOut runs tick on environments concurrently with per-environment error isolation.
// Params: context, tick label for logs/metrics, and per-environment callback.
// Returns: joined errors of failed environments.
func (m *Manager) fanOut(ctx context.Context, tick string, fn func(ctx context.Context, env *Environment) error) error {
	envs := m.environments()
	errs := make([]error, len(envs))
	var wg sync.WaitGroup
	for i, env := range envs {
		wg.Add(1)
		go func(i int, env *Environment) {
			defer wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					errs[i] = fmt.Errorf("environment %q %s tick panic: %v", env.Name(), tick, recovered)
				}
				if errs[i] != nil {
					m.metrics.ObserveTickFailure(env.Name(), tick)
					m.logger.Error("tick failed", "tick", tick, "environment", env.Name(), "error", errs[i].Error())
				}
			}()
			if err := fn(ctx, env); err != nil && !errors.Is(err, domain.ErrEnvironmentClosed) {
				errs[i] = fmt.Errorf("environment %q %s tick: %w", env.Name(), tick, err)
			}
		}(i, env)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// QueryHistory reads transitions of one environment.
// Params: context, environment name, and filter; requested ids expand to their subtrees.
// Returns: deduplicated transitions oldest first, UnknownEnvironment or UnknownElement errors.
func (m *Manager) QueryHistory(ctx context.Context, name string, filter history.Filter) ([]domain.StateTransition, error) {
	env, ok := m.Environment(name)
	if !ok {
		return nil, domain.NewError(domain.KindUnknownEnvironment, "query history",
			fmt.Errorf("environment %q is not registered", name))
	}
	if len(filter.ElementIDs) > 0 {
		expanded, err := env.expandElements(filter.ElementIDs, filter.IncludeChecks)
		if err != nil {
			return nil, err
		}
		filter.ElementIDs = expanded
	}
	return env.Buffer().Query(ctx, m.history, filter)
}

// Snapshot returns read view of one environment.
func (m *Manager) Snapshot(name string) (engine.Snapshot, error) {
	env, ok := m.Environment(name)
	if !ok {
		return engine.Snapshot{}, domain.NewError(domain.KindUnknownEnvironment, "snapshot",
			fmt.Errorf("environment %q is not registered", name))
	}
	return env.Snapshot(), nil
}

// List returns summaries of registered environments sorted by name.
func (m *Manager) List() []Summary {
	envs := m.environments()
	out := make([]Summary, 0, len(envs))
	for _, env := range envs {
		snapshot := env.Snapshot()
		out = append(out, Summary{
			Name:             snapshot.Name,
			SubscriptionID:   snapshot.SubscriptionID,
			RootID:           snapshot.RootID,
			State:            snapshot.State(snapshot.RootID),
			PendingHistory:   env.Buffer().Pending(),
			HeartbeatFailing: snapshot.HeartbeatFailing,
		})
	}
	return out
}

// Reset returns element subtree of environment to Ok.
// Params: context, environment name, and element id.
// Returns: applied transitions or UnknownEnvironment/UnknownElement error.
func (m *Manager) Reset(ctx context.Context, name, elementID string) ([]domain.StateTransition, error) {
	env, ok := m.Environment(name)
	if !ok {
		return nil, domain.NewError(domain.KindUnknownEnvironment, "reset element",
			fmt.Errorf("environment %q is not registered", name))
	}
	outcome, err := env.Reset(ctx, elementID)
	if err != nil {
		return nil, err
	}
	return outcome.Transitions, nil
}

// Close flushes and stops every environment.
// Params: context bounding final flush.
// Returns: joined flush errors.
func (m *Manager) Close(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	var errs []error
	for _, env := range m.environments() {
		if err := m.dispose(ctx, env.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	m.metrics.SetEnvironments(0)
	return errors.Join(errs...)
}
