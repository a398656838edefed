package engine

import (
	"sort"
	"strings"
	"time"

	"healthtree/internal/domain"
)

// trackEscalations arms and clears escalation bookkeeping after one propagation pass.
// Params: leaf cause, applied transitions, processing time, and arm permission.
// Returns: none.
func (c *Content) trackEscalations(leaf domain.StateTransition, applied []domain.StateTransition, now time.Time, arm bool) {
	for _, transition := range applied {
		if c.states[transition.ElementID].CurrentState == domain.StateWarning {
			continue
		}
		c.clearArmed(transition.ElementID)
	}
	if !arm || leaf.Suppressed || c.states[leaf.ElementID].CurrentState != domain.StateWarning {
		return
	}
	for _, ruleID := range c.escalationOrder {
		entry := c.escalations[ruleID]
		if !entry.rule.Active(now) || !entry.condition.Match(leaf) {
			continue
		}
		key := escalationKey{RuleID: ruleID, ElementID: leaf.ElementID}
		if _, exists := c.armed[key]; !exists {
			c.armed[key] = now
		}
	}
}

// clearArmed drops every escalation entry of element.
func (c *Content) clearArmed(elementID string) {
	for key := range c.armed {
		if key.ElementID == elementID {
			delete(c.armed, key)
		}
	}
}

// EvaluateEscalations upgrades Warnings unresolved for rule trigger time into Errors.
// Params: evaluation time from external scheduler.
// Returns: outcome with escalated leaf transitions and their propagation.
func (c *Content) EvaluateEscalations(now time.Time) Outcome {
	keys := make([]escalationKey, 0, len(c.armed))
	for key := range c.armed {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ElementID == keys[j].ElementID {
			return keys[i].RuleID < keys[j].RuleID
		}
		return keys[i].ElementID < keys[j].ElementID
	})

	var out Outcome
	for _, key := range keys {
		firstSeenAt, ok := c.armed[key]
		if !ok {
			continue
		}
		entry, known := c.escalations[key.RuleID]
		es, present := c.states[key.ElementID]
		if !known || !present || es.CurrentState != domain.StateWarning {
			delete(c.armed, key)
			continue
		}
		if !entry.rule.Active(now) {
			delete(c.armed, key)
			continue
		}
		if now.Sub(firstSeenAt) < entry.rule.TriggerTime {
			continue
		}
		delete(c.armed, key)
		out.append(c.applyLeaf(c.escalatedLeaf(es.ChangeReason, now), now, false))
		out.Escalated++
	}
	out.Result.Transitions = len(out.Transitions)
	return out
}

// escalatedLeaf derives Error transition from the Warning that armed escalation.
// Params: warning cause and evaluation time.
// Returns: leaf transition with "[State Increased] " description prefix.
func (c *Content) escalatedLeaf(cause domain.StateTransition, now time.Time) domain.StateTransition {
	leaf := cause
	leaf.RecordID = c.opts.NewRecordID()
	leaf.State = domain.StateError
	leaf.TimeGenerated = now
	leaf.SourceTimestamp = now
	leaf.IsSyncedToDatabase = false
	leaf.Suppressed = false
	if !strings.HasPrefix(leaf.Description, domain.StateIncreasedPrefix) {
		leaf.Description = domain.StateIncreasedPrefix + leaf.Description
	}
	return leaf
}
