package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"healthtree/internal/domain"
	"healthtree/internal/tree"

	"github.com/google/uuid"
)

// Rules is active rule set of one environment.
// Params: ignore, notification, and escalation rules loaded from catalog.
// Returns: rule snapshot compiled by Content.
type Rules struct {
	Ignore        []domain.IgnoreRule        `json:"ignore,omitempty"`
	Notification  []domain.NotificationRule  `json:"notification,omitempty"`
	StateIncrease []domain.StateIncreaseRule `json:"state_increase,omitempty"`
}

// Options carries service-level engine settings.
// Params: heartbeat check/threshold, record id generator, and optional logger.
// Returns: Content construction options.
type Options struct {
	HeartbeatCheckID   string
	HeartbeatThreshold time.Duration
	NewRecordID        func() string
	Logger             *slog.Logger
}

// Outcome is result of one serialized engine operation.
// Params: applied transitions in causal order, notification intents, and batch accounting.
// Returns: data handed to history/push/notify collaborators.
type Outcome struct {
	Transitions []domain.StateTransition
	Intents     []domain.NotificationIntent
	Result      domain.BatchResult
	Escalated   int
}

// append merges other outcome into o.
func (o *Outcome) append(other Outcome) {
	o.Transitions = append(o.Transitions, other.Transitions...)
	o.Intents = append(o.Intents, other.Intents...)
	o.Result.Merge(other.Result)
	o.Escalated += other.Escalated
}

type compiledIgnore struct {
	rule      domain.IgnoreRule
	condition Condition
}

type compiledEscalation struct {
	rule      domain.StateIncreaseRule
	condition Condition
}

type escalationKey struct {
	RuleID    string
	ElementID string
}

type notifiedEntry struct {
	State domain.State
	At    time.Time
}

// Content is in-memory state of one environment.
// Params: tree index, element states, compiled rules, deployment windows, and bookkeeping maps.
// Returns: single-owner engine; callers must serialize access.
type Content struct {
	name           string
	subscriptionID string
	tree           *tree.Index
	allowed        map[string]struct{}
	states         map[string]*domain.ElementState

	rules             Rules
	ignore            []compiledIgnore
	escalations       map[string]compiledEscalation
	escalationOrder   []string
	notificationRules []domain.NotificationRule
	ruleErrors        []error
	deployments       []domain.DeploymentWindow

	armed    map[escalationKey]time.Time
	notified map[string]map[string]notifiedEntry

	lastHeartbeatAt  time.Time
	heartbeatFailing bool

	opts Options
}

// New builds environment content with every element at Ok.
// Params: environment tree, active rules, deployment windows, options, and creation time.
// Returns: content or ConfigurationError for invalid tree.
func New(env domain.Environment, rules Rules, deployments []domain.DeploymentWindow, opts Options, now time.Time) (*Content, error) {
	if opts.NewRecordID == nil {
		opts.NewRecordID = func() string { return uuid.NewString() }
	}
	idx, err := tree.Build(env, opts.HeartbeatCheckID)
	if err != nil {
		return nil, err
	}
	c := &Content{
		name:            env.Name,
		subscriptionID:  strings.TrimSpace(env.SubscriptionID),
		tree:            idx,
		allowed:         idx.AllowedElementIDs(),
		states:          make(map[string]*domain.ElementState, len(idx.ElementIDs())),
		armed:           make(map[escalationKey]time.Time),
		notified:        make(map[string]map[string]notifiedEntry),
		lastHeartbeatAt: now,
		opts:            opts,
	}
	for _, id := range idx.ElementIDs() {
		c.states[id] = c.initialState(id)
	}
	c.SetRules(rules)
	c.SetDeployments(deployments)
	return c, nil
}

// initialState creates Ok entry for element.
func (c *Content) initialState(id string) *domain.ElementState {
	kind, _ := c.tree.TypeOf(id)
	return &domain.ElementState{
		ElementID:     id,
		ComponentType: kind,
		CurrentState:  domain.StateOk,
		LastState:     domain.StateOk,
	}
}

// Name returns environment name.
func (c *Content) Name() string {
	return c.name
}

// SubscriptionID returns alert routing key of environment.
func (c *Content) SubscriptionID() string {
	return c.subscriptionID
}

// Tree returns immutable tree index.
func (c *Content) Tree() *tree.Index {
	return c.tree
}

// RuleErrors returns configuration errors of rules skipped by last SetRules.
func (c *Content) RuleErrors() []error {
	return append([]error(nil), c.ruleErrors...)
}

// SetRules compiles active rules; malformed rules are skipped with ConfigurationError.
// Params: rule snapshot.
// Returns: none (errors available through RuleErrors).
func (c *Content) SetRules(rules Rules) {
	c.rules = rules
	c.ruleErrors = nil
	c.ignore = c.ignore[:0]
	for _, rule := range rules.Ignore {
		condition, err := CompileCondition(rule.Condition)
		if err != nil {
			c.recordRuleError("ignore", rule.ID, err)
			continue
		}
		c.ignore = append(c.ignore, compiledIgnore{rule: rule, condition: condition})
	}

	c.escalations = make(map[string]compiledEscalation, len(rules.StateIncrease))
	c.escalationOrder = c.escalationOrder[:0]
	for _, rule := range rules.StateIncrease {
		condition, err := CompileCondition(rule.Condition)
		if err == nil && rule.TriggerTime < 0 {
			err = domain.NewError(domain.KindConfiguration, "compile state increase rule", fmt.Errorf("trigger_time must be >=0"))
		}
		if err != nil {
			c.recordRuleError("state_increase", rule.ID, err)
			continue
		}
		c.escalations[rule.ID] = compiledEscalation{rule: rule, condition: condition}
		c.escalationOrder = append(c.escalationOrder, rule.ID)
	}
	for key := range c.armed {
		if _, ok := c.escalations[key.RuleID]; !ok {
			delete(c.armed, key)
		}
	}

	c.notificationRules = c.notificationRules[:0]
	known := make(map[string]struct{}, len(rules.Notification))
	for _, rule := range rules.Notification {
		if err := validateNotificationRule(rule); err != nil {
			c.recordRuleError("notification", rule.ID, err)
			continue
		}
		c.notificationRules = append(c.notificationRules, rule)
		known[rule.ID] = struct{}{}
	}
	for elementID, byRule := range c.notified {
		for ruleID := range byRule {
			if _, ok := known[ruleID]; !ok {
				delete(byRule, ruleID)
			}
		}
		if len(byRule) == 0 {
			delete(c.notified, elementID)
		}
	}
}

// recordRuleError stores and logs one skipped rule.
func (c *Content) recordRuleError(kind, ruleID string, err error) {
	c.ruleErrors = append(c.ruleErrors, fmt.Errorf("%s rule %q: %w", kind, ruleID, err))
	if c.opts.Logger != nil {
		c.opts.Logger.Warn("rule skipped", "environment", c.name, "rule_kind", kind, "rule_id", ruleID, "error", err.Error())
	}
}

// SetDeployments replaces current and future deployment windows.
func (c *Content) SetDeployments(windows []domain.DeploymentWindow) {
	c.deployments = append([]domain.DeploymentWindow(nil), windows...)
}

// Refresh swaps tree, rules, and deployments while keeping state of surviving elements.
// Params: new environment definition, rules, deployments, and refresh time.
// Returns: ConfigurationError when new tree is invalid (content stays unchanged).
func (c *Content) Refresh(env domain.Environment, rules Rules, deployments []domain.DeploymentWindow) error {
	idx, err := tree.Build(env, c.opts.HeartbeatCheckID)
	if err != nil {
		return err
	}
	previous := c.states
	c.tree = idx
	c.allowed = idx.AllowedElementIDs()
	c.name = env.Name
	c.subscriptionID = strings.TrimSpace(env.SubscriptionID)
	c.states = make(map[string]*domain.ElementState, len(idx.ElementIDs()))
	for _, id := range idx.ElementIDs() {
		if kept, ok := previous[id]; ok {
			kind, _ := idx.TypeOf(id)
			kept.ComponentType = kind
			c.states[id] = kept
			continue
		}
		c.states[id] = c.initialState(id)
	}
	for key := range c.armed {
		if _, ok := c.states[key.ElementID]; !ok {
			delete(c.armed, key)
		}
	}
	for elementID := range c.notified {
		if _, ok := c.states[elementID]; !ok {
			delete(c.notified, elementID)
		}
	}
	c.recomputeAncestors()
	c.SetRules(rules)
	c.SetDeployments(deployments)
	return nil
}

// Seed restores current states from persisted transitions.
// Params: per-element transitions (latest last) loaded on environment creation.
// Returns: none; ids outside the tree are ignored.
func (c *Content) Seed(current map[string][]domain.StateTransition) {
	for elementID, history := range current {
		es, ok := c.states[elementID]
		if !ok || len(history) == 0 {
			continue
		}
		sorted := append([]domain.StateTransition(nil), history...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp().Before(sorted[j].Timestamp())
		})
		last := sorted[len(sorted)-1]
		if !last.State.Valid() {
			continue
		}
		es.CurrentState = last.State
		es.LastState = domain.StateOk
		if len(sorted) > 1 && sorted[len(sorted)-2].State.Valid() {
			es.LastState = sorted[len(sorted)-2].State
		}
		es.ChangeReason = last
	}
	c.recomputeAncestors()
	if hb := c.tree.HeartbeatCheckID(); hb != "" {
		c.heartbeatFailing = c.states[hb].CurrentState == domain.StateError
	}
}

// recomputeAncestors enforces worst-descendant state on every element with descendants.
func (c *Content) recomputeAncestors() {
	ids := c.tree.ElementIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if len(c.tree.Descendants(id)) == 0 {
			continue
		}
		worst := c.worstDescendantState(id)
		es := c.states[id]
		if es.CurrentState != worst {
			es.LastState = es.CurrentState
			es.CurrentState = worst
		}
	}
}

// worstDescendantState computes max severity among all descendants.
func (c *Content) worstDescendantState(id string) domain.State {
	worst := domain.StateOk
	for _, descendant := range c.tree.Descendants(id) {
		worst = domain.MaxState(worst, c.states[descendant].CurrentState)
		if worst == domain.StateError {
			return worst
		}
	}
	return worst
}

// Normalize converts alerts into leaf transitions.
// Params: raw alerts and processing time.
// Returns: valid transitions and per-event rejections.
func (c *Content) Normalize(events []domain.AlertEvent, now time.Time) ([]domain.StateTransition, domain.BatchResult) {
	var result domain.BatchResult
	out := make([]domain.StateTransition, 0, len(events))
	for i, event := range events {
		transition, err := c.normalize(event, batchStamp(now, i))
		if err != nil {
			result.Reject(i, event, err)
			continue
		}
		out = append(out, transition)
	}
	return out, result
}

// batchStamp returns default timestamp of the i-th alert in one batch.
// Alerts without time fields keep distinct history keys and batch order this way.
func batchStamp(now time.Time, i int) time.Time {
	return now.Add(time.Duration(i))
}

// normalize validates one alert and converts it into a leaf transition.
// Params: raw alert and default timestamp for missing time fields.
// Returns: transition or Validation/UnknownEnvironment/UnknownElement error.
func (c *Content) normalize(event domain.AlertEvent, now time.Time) (domain.StateTransition, error) {
	if err := event.Validate(); err != nil {
		return domain.StateTransition{}, err
	}
	event.ComponentID = strings.TrimSpace(event.ComponentID)
	event.CheckID = strings.TrimSpace(event.CheckID)
	if c.subscriptionID != "" && !strings.EqualFold(strings.TrimSpace(event.SubscriptionID), c.subscriptionID) {
		return domain.StateTransition{}, domain.NewError(domain.KindUnknownEnvironment, "normalize alert",
			fmt.Errorf("subscription %q is not served by environment %q", event.SubscriptionID, c.name))
	}
	if _, ok := c.allowed[event.ComponentID]; !ok {
		if kind, known := c.tree.TypeOf(event.ComponentID); known {
			return domain.StateTransition{}, domain.NewError(domain.KindUnknownElement, "normalize alert",
				fmt.Errorf("element %q of environment %q is a %s, alerts target checks", event.ComponentID, c.name, kind))
		}
		return domain.StateTransition{}, domain.NewError(domain.KindUnknownElement, "normalize alert",
			fmt.Errorf("element %q is not part of environment %q", event.ComponentID, c.name))
	}
	kind, _ := c.tree.TypeOf(event.ComponentID)
	if strings.TrimSpace(event.RecordID) == "" {
		event.RecordID = c.opts.NewRecordID()
	}
	if event.TimeGenerated.IsZero() {
		event.TimeGenerated = now
	}
	if event.SourceTimestamp.IsZero() {
		event.SourceTimestamp = event.TimeGenerated
	}
	transition := domain.StateTransition{
		AlertEvent:           event,
		ElementID:            event.ComponentID,
		ComponentType:        kind,
		TriggeredByElementID: event.ComponentID,
		TriggeredByCheckID:   event.CheckID,
		TriggeredByAlertName: event.AlertName,
		ProgressState:        domain.ProgressNone,
	}
	stripIdentity(&transition)
	return transition, nil
}

// stripIdentity enforces check/alert identity rules on transition.
// Params: transition to adjust in place.
// Returns: non-check transitions without check/alert names; own-check transitions without alert name.
func stripIdentity(transition *domain.StateTransition) {
	if transition.ComponentType != domain.ComponentTypeCheck {
		transition.CheckID = ""
		transition.AlertName = ""
		return
	}
	if transition.ElementID == transition.CheckID {
		transition.AlertName = ""
	}
}

// ProcessAlerts runs one alert batch through normalize, filters, propagation, and evaluators.
// Params: raw alerts and processing time.
// Returns: applied transitions, notification intents, and partial-failure accounting.
func (c *Content) ProcessAlerts(events []domain.AlertEvent, now time.Time) Outcome {
	var out Outcome
	for i, event := range events {
		leaf, err := c.normalize(event, batchStamp(now, i))
		if err != nil {
			out.Result.Reject(i, event, err)
			continue
		}
		if c.ignored(leaf, now) {
			out.Result.Ignored++
			continue
		}
		out.Result.Accepted++
		out.append(c.applyLeaf(leaf, now, true))
	}
	out.Result.Transitions = len(out.Transitions)
	return out
}

// ignored reports whether transition matches an active ignore rule.
func (c *Content) ignored(transition domain.StateTransition, now time.Time) bool {
	for _, entry := range c.ignore {
		if entry.rule.Expired(now) {
			continue
		}
		if entry.condition.Match(transition) {
			return true
		}
	}
	return false
}

// Suppressed reports whether element (or one of its ancestors) is covered by an active deployment window.
// Params: element id and evaluation time.
// Returns: true when notifications for element must be muted.
func (c *Content) Suppressed(elementID string, now time.Time) bool {
	if len(c.deployments) == 0 {
		return false
	}
	covered := append([]string{elementID}, c.tree.Ancestors(elementID)...)
	for _, window := range c.deployments {
		if !window.ActiveAt(now) {
			continue
		}
		if len(window.ElementIDs) == 0 {
			return true
		}
		for _, id := range covered {
			if containsStringInsensitive(window.ElementIDs, id) {
				return true
			}
		}
	}
	return false
}

// applyLeaf marks suppression, propagates, and evaluates escalation/notification for one leaf.
// Params: leaf transition, processing time, and whether leaf may arm escalation rules.
// Returns: outcome of the propagation pass.
func (c *Content) applyLeaf(leaf domain.StateTransition, now time.Time, armEscalation bool) Outcome {
	leaf.Suppressed = leaf.State.Degraded() && c.Suppressed(leaf.ElementID, now)
	applied := c.propagate(leaf)
	c.trackEscalations(leaf, applied, now, armEscalation)
	return Outcome{
		Transitions: applied,
		Intents:     c.notify(applied, now),
	}
}

// Apply propagates leaf transitions through the tree without filters.
// Params: leaf transitions.
// Returns: every applied transition, each leaf followed by its changed ancestors.
func (c *Content) Apply(leaves []domain.StateTransition) []domain.StateTransition {
	var out []domain.StateTransition
	for _, leaf := range leaves {
		if _, ok := c.states[leaf.ElementID]; !ok {
			continue
		}
		out = append(out, c.propagate(leaf)...)
	}
	return out
}

// propagate updates leaf state and recomputes every ancestor up to the root.
// Params: leaf transition for known element.
// Returns: leaf first, then synthesized ancestor transitions ordered towards the root.
func (c *Content) propagate(leaf domain.StateTransition) []domain.StateTransition {
	es := c.states[leaf.ElementID]
	if len(c.tree.Descendants(leaf.ElementID)) > 0 {
		// An element with descendants never drops below its worst descendant.
		leaf.State = domain.MaxState(leaf.State, c.worstDescendantState(leaf.ElementID))
	}
	out := []domain.StateTransition{leaf}
	if isDuplicate(es, leaf) {
		return out
	}
	es.LastState = es.CurrentState
	es.CurrentState = leaf.State
	es.ChangeReason = leaf
	if es.LastState == es.CurrentState {
		return out
	}

	for _, ancestorID := range c.tree.Ancestors(leaf.ElementID) {
		ancestor := c.states[ancestorID]
		worst := c.worstDescendantState(ancestorID)
		if worst == ancestor.CurrentState {
			continue
		}
		synthesized := c.ancestorTransition(ancestorID, ancestor.ComponentType, worst, leaf)
		ancestor.LastState = ancestor.CurrentState
		ancestor.CurrentState = worst
		ancestor.ChangeReason = synthesized
		out = append(out, synthesized)
	}
	return out
}

// isDuplicate reports repeated fact: same state and same alert name/description as last change.
func isDuplicate(es *domain.ElementState, leaf domain.StateTransition) bool {
	if es.ChangeReason.RecordID == "" {
		return false
	}
	return es.CurrentState == leaf.State &&
		es.ChangeReason.TriggeredByAlertName == leaf.TriggeredByAlertName &&
		es.ChangeReason.Description == leaf.Description
}

// ancestorTransition synthesizes transition for ancestor caused by leaf.
// Params: ancestor id/type, recomputed state, and causing leaf.
// Returns: ancestor transition carrying leaf cause.
func (c *Content) ancestorTransition(id string, kind domain.ComponentType, state domain.State, leaf domain.StateTransition) domain.StateTransition {
	event := leaf.AlertEvent
	event.RecordID = c.opts.NewRecordID()
	event.State = state
	transition := domain.StateTransition{
		AlertEvent:           event,
		ElementID:            id,
		ComponentType:        kind,
		TriggeredByElementID: leaf.TriggeredByElementID,
		TriggeredByCheckID:   leaf.TriggeredByCheckID,
		TriggeredByAlertName: leaf.TriggeredByAlertName,
		ProgressState:        domain.ProgressNone,
		Suppressed:           leaf.Suppressed,
	}
	stripIdentity(&transition)
	return transition
}

// syntheticLeaf builds engine-originated leaf transition (reset, heartbeat, escalation).
// Params: element id, target state, description, and time.
// Returns: normalized leaf transition without alert name.
func (c *Content) syntheticLeaf(elementID string, state domain.State, description string, now time.Time) domain.StateTransition {
	kind, _ := c.tree.TypeOf(elementID)
	checkID := ""
	if kind == domain.ComponentTypeCheck {
		checkID = elementID
	}
	return domain.StateTransition{
		AlertEvent: domain.AlertEvent{
			RecordID:        c.opts.NewRecordID(),
			TimeGenerated:   now,
			SourceTimestamp: now,
			SubscriptionID:  c.subscriptionID,
			ComponentID:     elementID,
			CheckID:         checkID,
			Description:     description,
			State:           state,
		},
		ElementID:            elementID,
		ComponentType:        kind,
		TriggeredByElementID: elementID,
		TriggeredByCheckID:   checkID,
		ProgressState:        domain.ProgressNone,
	}
}

// Reset returns element and its degraded descendants to Ok.
// Params: element id and processing time.
// Returns: outcome of reset passes or UnknownElement error.
func (c *Content) Reset(elementID string, now time.Time) (Outcome, error) {
	if !c.tree.Contains(elementID) {
		return Outcome{}, domain.NewError(domain.KindUnknownElement, "reset element",
			fmt.Errorf("element %q is not part of environment %q", elementID, c.name))
	}
	targets := append([]string{elementID}, c.tree.Descendants(elementID)...)
	var out Outcome
	for i := len(targets) - 1; i >= 0; i-- {
		id := targets[i]
		if !c.states[id].CurrentState.Degraded() {
			continue
		}
		out.append(c.applyLeaf(c.syntheticLeaf(id, domain.StateOk, domain.ResetDescription, now), now, false))
	}
	if hb := c.tree.HeartbeatCheckID(); hb != "" && c.heartbeatFailing && c.states[hb].CurrentState == domain.StateOk {
		c.heartbeatFailing = false
		c.lastHeartbeatAt = now
	}
	out.Result.Transitions = len(out.Transitions)
	return out, nil
}

// Snapshot is read-only copy of environment state.
type Snapshot struct {
	Name             string                         `json:"name"`
	SubscriptionID   string                         `json:"subscription_id"`
	RootID           string                         `json:"root_id"`
	Environment      domain.Environment             `json:"environment"`
	States           map[string]domain.ElementState `json:"states"`
	Checks           map[string]domain.Check        `json:"checks"`
	Deployments      []domain.DeploymentWindow      `json:"deployments,omitempty"`
	Rules            Rules                          `json:"rules"`
	ArmedEscalations int                            `json:"armed_escalations"`
	LastHeartbeatAt  time.Time                      `json:"last_heartbeat_at"`
	HeartbeatFailing bool                           `json:"heartbeat_failing"`
}

// State returns element state from snapshot.
func (s Snapshot) State(elementID string) domain.State {
	return s.States[elementID].CurrentState
}

// Snapshot copies current content for lock-free readers.
// Params: none.
// Returns: deep copy of element states and metadata.
func (c *Content) Snapshot() Snapshot {
	states := make(map[string]domain.ElementState, len(c.states))
	for id, es := range c.states {
		states[id] = *es
	}
	return Snapshot{
		Name:             c.name,
		SubscriptionID:   c.subscriptionID,
		RootID:           c.tree.RootID(),
		Environment:      c.tree.Environment(),
		States:           states,
		Checks:           c.tree.Checks(),
		Deployments:      append([]domain.DeploymentWindow(nil), c.deployments...),
		Rules:            c.rules,
		ArmedEscalations: len(c.armed),
		LastHeartbeatAt:  c.lastHeartbeatAt,
		HeartbeatFailing: c.heartbeatFailing,
	}
}
