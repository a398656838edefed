package engine

import (
	"fmt"
	"time"

	"healthtree/internal/domain"
)

// CheckHeartbeat fails the reserved heartbeat check once threshold is exceeded.
// Params: evaluation time from external scheduler.
// Returns: outcome with exactly one Error pass per outage.
func (c *Content) CheckHeartbeat(now time.Time) Outcome {
	checkID := c.tree.HeartbeatCheckID()
	if checkID == "" || c.opts.HeartbeatThreshold <= 0 || c.heartbeatFailing {
		return Outcome{}
	}
	silence := now.Sub(c.lastHeartbeatAt)
	if silence <= c.opts.HeartbeatThreshold {
		return Outcome{}
	}
	c.heartbeatFailing = true
	description := fmt.Sprintf("Heartbeat missing for %s (threshold %s)", silence.Truncate(time.Second), c.opts.HeartbeatThreshold)
	out := c.applyLeaf(c.syntheticLeaf(checkID, domain.StateError, description, now), now, false)
	out.Result.Transitions = len(out.Transitions)
	return out
}

// RecordHeartbeat stores liveness signal and recovers failed heartbeat check.
// Params: heartbeat receive time.
// Returns: outcome with one Ok pass when heartbeat was failing.
func (c *Content) RecordHeartbeat(now time.Time) Outcome {
	if now.After(c.lastHeartbeatAt) {
		c.lastHeartbeatAt = now
	}
	checkID := c.tree.HeartbeatCheckID()
	if checkID == "" || !c.heartbeatFailing {
		return Outcome{}
	}
	c.heartbeatFailing = false
	out := c.applyLeaf(c.syntheticLeaf(checkID, domain.StateOk, domain.ResetDescription, now), now, false)
	out.Result.Transitions = len(out.Transitions)
	return out
}

// LastHeartbeatAt returns last recorded liveness signal time.
func (c *Content) LastHeartbeatAt() time.Time {
	return c.lastHeartbeatAt
}
