package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"healthtree/internal/catalog"
	"healthtree/internal/clock"
	"healthtree/internal/domain"
	"healthtree/internal/engine"
	"healthtree/internal/history"
	"healthtree/internal/logging"
	"healthtree/internal/metrics"
	"healthtree/internal/state"
	"healthtree/internal/tree"
)

const stateSaveTimeout = 10 * time.Second

// Hooks receives results of serialized environment operations.
// Params: environment name with copied transitions or one notification intent.
// Returns: none; hooks run outside the environment queue in causal order.
type Hooks interface {
	OnTransitionsApplied(ctx context.Context, environment string, transitions []domain.StateTransition)
	OnNotificationIntent(ctx context.Context, intent domain.NotificationIntent)
}

// op is one unit of work executed on the environment goroutine.
type op func(content *engine.Content, now time.Time) (engine.Outcome, error)

type request struct {
	fn    op
	reply chan response
}

type response struct {
	outcome engine.Outcome
	err     error
}

// effect is copied output of one operation handed to the outbox goroutine.
type effect struct {
	transitions []domain.StateTransition
	intents     []domain.NotificationIntent
}

// Environment is serialized actor owning one engine.Content.
// Params: engine content, history buffer, state store, hooks, and queue size.
// Returns: goroutine-safe handle; every mutation runs on one goroutine.
type Environment struct {
	name           string
	subscriptionID string

	content *engine.Content
	buffer  *history.Buffer
	states  state.Store
	hooks   Hooks
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   clock.Clock

	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	viewMu sync.RWMutex
	view   engine.Snapshot
	index  *tree.Index

	outMu     sync.Mutex
	outbox    []effect
	outSignal chan struct{}
	outDone   chan struct{}
}

// environmentDeps groups collaborators shared by every environment actor.
type environmentDeps struct {
	states    state.Store
	hooks     Hooks
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     clock.Clock
	queueSize int
	options   engine.Options
}

// newEnvironment builds engine from catalog bundle, seeds persisted states, and starts actor goroutines.
// Params: context for state bootstrap, catalog bundle, and shared collaborators.
// Returns: running environment or configuration/persistence error.
func newEnvironment(ctx context.Context, bundle catalog.Bundle, deps environmentDeps) (*Environment, error) {
	opts := deps.options
	if opts.Logger == nil {
		opts.Logger = deps.logger
	}
	content, err := engine.New(bundle.Environment, bundle.Rules, bundle.Deployments, opts, deps.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, ruleErr := range content.RuleErrors() {
		deps.logger.Warn("rule skipped", "environment", content.Name(), "error", ruleErr.Error())
	}
	if deps.states != nil {
		current, err := deps.states.LoadCurrentStates(ctx, content.Name())
		if err != nil {
			return nil, domain.NewError(domain.KindPersistence, "load current states", err)
		}
		content.Seed(current)
	}

	queueSize := deps.queueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	env := &Environment{
		name:           content.Name(),
		subscriptionID: content.SubscriptionID(),
		content:        content,
		buffer:         history.NewBuffer(content.Name()),
		states:         deps.states,
		hooks:          deps.hooks,
		metrics:        deps.metrics,
		logger:         logging.ForEnvironment(deps.logger, content.Name(), content.SubscriptionID()),
		clock:          deps.clock,
		requests:       make(chan request, queueSize),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		outSignal:      make(chan struct{}, 1),
		outDone:        make(chan struct{}),
		view:           content.Snapshot(),
		index:          content.Tree(),
	}
	go env.loop()
	go env.drainOutbox()
	return env, nil
}

// Name returns environment name.
func (e *Environment) Name() string {
	return e.name
}

// SubscriptionID returns subscription id routed to environment.
func (e *Environment) SubscriptionID() string {
	return e.subscriptionID
}

// Buffer returns history buffer of environment.
func (e *Environment) Buffer() *history.Buffer {
	return e.buffer
}

// Snapshot returns last published read view.
// Params: none.
// Returns: snapshot never containing half-applied propagation.
func (e *Environment) Snapshot() engine.Snapshot {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view
}

// expandElements resolves ids to themselves plus their descendants.
// Params: requested element ids and check inclusion switch.
// Returns: expanded ids or UnknownElement error.
func (e *Environment) expandElements(ids []string, includeChecks bool) ([]string, error) {
	e.viewMu.RLock()
	index := e.index
	e.viewMu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range ids {
		if !index.Contains(id) {
			return nil, domain.NewError(domain.KindUnknownElement, "query history",
				fmt.Errorf("element %q is not part of environment %q", id, e.name))
		}
		add(id)
		for _, descendant := range index.Descendants(id) {
			if kind, _ := index.TypeOf(descendant); kind == domain.ComponentTypeCheck && !includeChecks {
				continue
			}
			add(descendant)
		}
	}
	return out, nil
}

// loop executes queued operations one at a time.
func (e *Environment) loop() {
	defer close(e.stopped)
	for {
		select {
		case <-e.quit:
			return
		case req := <-e.requests:
			now := e.clock.Now()
			outcome, err := req.fn(e.content, now)
			e.publish(outcome)
			req.reply <- response{outcome: outcome, err: err}
		}
	}
}

// publish makes operation result visible to readers and collaborators.
func (e *Environment) publish(outcome engine.Outcome) {
	snapshot := e.content.Snapshot()
	e.viewMu.Lock()
	e.view = snapshot
	e.index = e.content.Tree()
	e.viewMu.Unlock()

	e.metrics.ObserveTransitions(e.name, outcome.Transitions)
	e.metrics.ObserveIntents(e.name, outcome.Intents)
	e.metrics.ObserveEscalations(e.name, outcome.Escalated)
	if len(outcome.Transitions) == 0 && len(outcome.Intents) == 0 {
		return
	}

	e.buffer.Append(outcome.Transitions...)
	e.metrics.SetPending(e.name, e.buffer.Pending())

	e.outMu.Lock()
	e.outbox = append(e.outbox, effect{
		transitions: append([]domain.StateTransition(nil), outcome.Transitions...),
		intents:     append([]domain.NotificationIntent(nil), outcome.Intents...),
	})
	e.outMu.Unlock()
	select {
	case e.outSignal <- struct{}{}:
	default:
	}
}

// drainOutbox delivers effects to state store and hooks in enqueue order.
func (e *Environment) drainOutbox() {
	defer close(e.outDone)
	for {
		select {
		case <-e.outSignal:
			e.deliverPending()
		case <-e.stopped:
			e.deliverPending()
			return
		}
	}
}

func (e *Environment) deliverPending() {
	for {
		e.outMu.Lock()
		if len(e.outbox) == 0 {
			e.outMu.Unlock()
			return
		}
		next := e.outbox[0]
		e.outbox = e.outbox[1:]
		e.outMu.Unlock()
		e.deliver(next)
	}
}

func (e *Environment) deliver(item effect) {
	if len(item.transitions) > 0 {
		if e.states != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stateSaveTimeout)
			if err := e.states.SaveCurrentStates(ctx, e.name, item.transitions); err != nil {
				e.logger.Error("save current states failed", "transitions", len(item.transitions), "error", err.Error())
			}
			cancel()
		}
		if e.hooks != nil {
			e.hooks.OnTransitionsApplied(context.Background(), e.name, item.transitions)
		}
	}
	if e.hooks == nil {
		return
	}
	for _, intent := range item.intents {
		e.hooks.OnNotificationIntent(context.Background(), intent)
	}
}

// do enqueues operation and waits for its result.
// Params: caller context bounding enqueue and wait, and operation.
// Returns: operation outcome, ctx error, ErrResultPending wrapping ctx error when enqueued work was not awaited, or ErrEnvironmentClosed after Close.
func (e *Environment) do(ctx context.Context, fn op) (engine.Outcome, error) {
	req := request{fn: fn, reply: make(chan response, 1)}
	select {
	case <-e.quit:
		return engine.Outcome{}, domain.ErrEnvironmentClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return engine.Outcome{}, err
	}
	select {
	case e.requests <- req:
	case <-e.quit:
		return engine.Outcome{}, domain.ErrEnvironmentClosed
	case <-ctx.Done():
		return engine.Outcome{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.outcome, resp.err
	case <-e.stopped:
		// Close may win the race against a request already in the channel.
		select {
		case resp := <-req.reply:
			return resp.outcome, resp.err
		default:
			return engine.Outcome{}, domain.ErrEnvironmentClosed
		}
	case <-ctx.Done():
		return engine.Outcome{}, fmt.Errorf("%w: %w", domain.ErrResultPending, ctx.Err())
	}
}

// SubmitAlerts normalizes and applies alert batch.
// Params: caller context and alerts already routed to environment.
// Returns: batch accounting; per-alert failures are rejections, not errors.
func (e *Environment) SubmitAlerts(ctx context.Context, events []domain.AlertEvent) (domain.BatchResult, error) {
	outcome, err := e.do(ctx, func(content *engine.Content, now time.Time) (engine.Outcome, error) {
		return content.ProcessAlerts(events, now), nil
	})
	if err != nil {
		return domain.BatchResult{}, err
	}
	e.metrics.ObserveBatch(e.name, outcome.Result)
	return outcome.Result, nil
}

// RecordHeartbeat stores liveness signal.
func (e *Environment) RecordHeartbeat(ctx context.Context) error {
	_, err := e.do(ctx, func(content *engine.Content, now time.Time) (engine.Outcome, error) {
		return content.RecordHeartbeat(now), nil
	})
	return err
}

// Reset returns element subtree to Ok.
// Params: caller context and element id.
// Returns: reset outcome or UnknownElement error.
func (e *Environment) Reset(ctx context.Context, elementID string) (engine.Outcome, error) {
	return e.do(ctx, func(content *engine.Content, now time.Time) (engine.Outcome, error) {
		return content.Reset(elementID, now)
	})
}

// EvaluateEscalations runs escalation tick.
func (e *Environment) EvaluateEscalations(ctx context.Context) (engine.Outcome, error) {
	return e.do(ctx, func(content *engine.Content, now time.Time) (engine.Outcome, error) {
		return content.EvaluateEscalations(now), nil
	})
}

// EvaluateNotifications runs repeat-notification tick.
func (e *Environment) EvaluateNotifications(ctx context.Context) (engine.Outcome, error) {
	return e.do(ctx, func(content *engine.Content, now time.Time) (engine.Outcome, error) {
		return content.EvaluateNotifications(now), nil
	})
}

// CheckHeartbeat runs heartbeat tick.
// Params: caller context.
// Returns: outcome; a non-empty outcome means heartbeat check just failed.
func (e *Environment) CheckHeartbeat(ctx context.Context) (engine.Outcome, error) {
	outcome, err := e.do(ctx, func(content *engine.Content, now time.Time) (engine.Outcome, error) {
		return content.CheckHeartbeat(now), nil
	})
	if err == nil && len(outcome.Transitions) > 0 {
		e.metrics.ObserveHeartbeatFailure(e.name)
	}
	return outcome, err
}

// Refresh swaps tree, rules, and deployments from catalog bundle.
// Params: caller context and freshly loaded bundle.
// Returns: ConfigurationError when new tree is invalid.
func (e *Environment) Refresh(ctx context.Context, bundle catalog.Bundle) error {
	_, err := e.do(ctx, func(content *engine.Content, _ time.Time) (engine.Outcome, error) {
		if err := content.Refresh(bundle.Environment, bundle.Rules, bundle.Deployments); err != nil {
			return engine.Outcome{}, err
		}
		for _, ruleErr := range content.RuleErrors() {
			e.logger.Warn("rule skipped", "error", ruleErr.Error())
		}
		return engine.Outcome{}, nil
	})
	return err
}

// SetDeployments replaces deployment windows.
func (e *Environment) SetDeployments(ctx context.Context, windows []domain.DeploymentWindow) error {
	_, err := e.do(ctx, func(content *engine.Content, _ time.Time) (engine.Outcome, error) {
		content.SetDeployments(windows)
		return engine.Outcome{}, nil
	})
	return err
}

// Flush persists buffered history.
// Params: context for store I/O and history store.
// Returns: persisted count or PersistenceError (buffer kept).
func (e *Environment) Flush(ctx context.Context, store history.Store) (int, error) {
	n, err := e.buffer.Flush(ctx, store)
	e.metrics.ObserveFlush(e.name, e.buffer.Pending(), err)
	return n, err
}

// Close stops actor after queued effects are delivered.
// Params: none.
// Returns: none; later operations fail with ErrEnvironmentClosed.
func (e *Environment) Close() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
	<-e.stopped
	<-e.outDone
}
