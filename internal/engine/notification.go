package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"healthtree/internal/domain"
)

var defaultNotifyStates = []domain.State{domain.StateWarning, domain.StateError}

// validateNotificationRule checks rule filters before evaluation.
// Params: raw notification rule.
// Returns: ConfigurationError for unknown states/types or negative interval.
func validateNotificationRule(rule domain.NotificationRule) error {
	if rule.ID == "" {
		return domain.NewError(domain.KindConfiguration, "validate notification rule", errors.New("id is required"))
	}
	for _, state := range rule.States {
		if !state.Valid() {
			return domain.NewError(domain.KindConfiguration, "validate notification rule", fmt.Errorf("state has unsupported value %q", state))
		}
	}
	for _, kind := range rule.ComponentTypes {
		if _, err := domain.ParseComponentType(string(kind)); err != nil {
			return domain.NewError(domain.KindConfiguration, "validate notification rule", err)
		}
	}
	if rule.NotificationInterval < 0 {
		return domain.NewError(domain.KindConfiguration, "validate notification rule", errors.New("notification_interval must be >=0"))
	}
	return nil
}

// notifyStates returns states that trigger notification for rule.
func notifyStates(rule domain.NotificationRule) []domain.State {
	if len(rule.States) == 0 {
		return defaultNotifyStates
	}
	return rule.States
}

// ruleCoversElement reports whether rule filters select element of given type.
func ruleCoversElement(rule domain.NotificationRule, elementID string, kind domain.ComponentType) bool {
	if len(rule.ComponentTypes) > 0 {
		matched := false
		for _, candidate := range rule.ComponentTypes {
			if candidate == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(rule.ElementIDs) > 0 && !containsStringInsensitive(rule.ElementIDs, elementID) {
		return false
	}
	return true
}

// notify evaluates notification rules for transitions of one propagation pass.
// Params: applied transitions and processing time.
// Returns: notification intents; debounced and suppressed transitions produce none.
func (c *Content) notify(applied []domain.StateTransition, now time.Time) []domain.NotificationIntent {
	var intents []domain.NotificationIntent
	for _, transition := range applied {
		if transition.State == domain.StateOk {
			intents = append(intents, c.recover(transition, now)...)
			continue
		}
		if transition.Suppressed {
			continue
		}
		for _, rule := range c.notificationRules {
			if !ruleCoversElement(rule, transition.ElementID, transition.ComponentType) {
				continue
			}
			if !containsState(notifyStates(rule), transition.State) {
				continue
			}
			byRule := c.notified[transition.ElementID]
			if entry, ok := byRule[rule.ID]; ok &&
				entry.State.Severity() >= transition.State.Severity() &&
				now.Sub(entry.At) < rule.NotificationInterval {
				continue
			}
			if byRule == nil {
				byRule = make(map[string]notifiedEntry)
				c.notified[transition.ElementID] = byRule
			}
			byRule[rule.ID] = notifiedEntry{State: transition.State, At: now}
			intents = append(intents, c.intent(rule, transition, now, false, false))
		}
	}
	return intents
}

// recover clears debounce entries of element and emits recovery intents for rules watching Ok.
// Params: Ok transition and processing time.
// Returns: recovery intents.
func (c *Content) recover(transition domain.StateTransition, now time.Time) []domain.NotificationIntent {
	byRule, ok := c.notified[transition.ElementID]
	if !ok {
		return nil
	}
	highest := highestLevel(byRule)
	var intents []domain.NotificationIntent
	for _, rule := range c.notificationRules {
		if _, notified := byRule[rule.ID]; !notified {
			continue
		}
		if !containsState(rule.States, domain.StateOk) {
			continue
		}
		intent := c.intent(rule, transition, now, true, false)
		intent.HighestLevel = highest
		intents = append(intents, intent)
	}
	delete(c.notified, transition.ElementID)
	return intents
}

// EvaluateNotifications re-notifies elements still degraded after their rule interval elapsed.
// Params: evaluation time from external scheduler.
// Returns: outcome with repeat intents only.
func (c *Content) EvaluateNotifications(now time.Time) Outcome {
	elementIDs := make([]string, 0, len(c.notified))
	for id := range c.notified {
		elementIDs = append(elementIDs, id)
	}
	sort.Strings(elementIDs)

	var out Outcome
	for _, elementID := range elementIDs {
		es := c.states[elementID]
		if es == nil || !es.CurrentState.Degraded() {
			delete(c.notified, elementID)
			continue
		}
		if c.Suppressed(elementID, now) {
			continue
		}
		byRule := c.notified[elementID]
		for _, rule := range c.notificationRules {
			entry, ok := byRule[rule.ID]
			if !ok || rule.NotificationInterval <= 0 {
				continue
			}
			if now.Sub(entry.At) < rule.NotificationInterval {
				continue
			}
			if !containsState(notifyStates(rule), es.CurrentState) {
				continue
			}
			byRule[rule.ID] = notifiedEntry{State: es.CurrentState, At: now}
			out.Intents = append(out.Intents, c.intent(rule, es.ChangeReason, now, false, true))
		}
	}
	return out
}

// intent builds notification intent with highest level recorded for element.
func (c *Content) intent(rule domain.NotificationRule, transition domain.StateTransition, now time.Time, recovery, repeat bool) domain.NotificationIntent {
	highest := transition.State
	if byRule, ok := c.notified[transition.ElementID]; ok {
		highest = domain.MaxState(highest, highestLevel(byRule))
	}
	return domain.NotificationIntent{
		Environment:  c.name,
		Rule:         rule,
		Transition:   transition,
		HighestLevel: highest,
		Recovery:     recovery,
		Repeat:       repeat,
		CreatedAt:    now,
	}
}

// highestLevel returns max notified state across rules of one element.
func highestLevel(byRule map[string]notifiedEntry) domain.State {
	highest := domain.StateOk
	for _, entry := range byRule {
		highest = domain.MaxState(highest, entry.State)
	}
	return highest
}
