package domain

import "time"

// ResetDescription marks synthetic transitions that return an element to Ok.
const ResetDescription = "Reset To Green"

// StateIncreasedPrefix prefixes descriptions of escalated transitions.
const StateIncreasedPrefix = "[State Increased] "

// StateTransition is one recorded change (or confirmation) of element health.
// Params: source alert fields plus target element, cause, and bookkeeping flags.
// Returns: unit of propagation, history, push, and notification.
type StateTransition struct {
	AlertEvent

	ElementID            string        `json:"element_id"`
	ComponentType        ComponentType `json:"component_type"`
	TriggeredByElementID string        `json:"triggered_by_element_id"`
	TriggeredByCheckID   string        `json:"triggered_by_check_id"`
	TriggeredByAlertName string        `json:"triggered_by_alert_name"`
	ProgressState        ProgressState `json:"progress_state"`
	IsSyncedToDatabase   bool          `json:"is_synced_to_database"`
	Suppressed           bool          `json:"suppressed,omitempty"`
}

// Timestamp returns the instant transition refers to.
// Params: none.
// Returns: source timestamp, or generation time when source is absent.
func (t StateTransition) Timestamp() time.Time {
	if !t.SourceTimestamp.IsZero() {
		return t.SourceTimestamp
	}
	return t.TimeGenerated
}

// ElementState is current health of one element.
// Params: current/previous state and the transition that caused last change.
// Returns: per-element entry of environment state map.
type ElementState struct {
	ElementID     string          `json:"element_id"`
	ComponentType ComponentType   `json:"component_type"`
	CurrentState  State           `json:"current_state"`
	LastState     State           `json:"last_state"`
	ChangeReason  StateTransition `json:"change_reason"`
}

// NotificationIntent is one decision to notify about element degradation or recovery.
// Params: environment, matched rule, cause transition, and highest notified level.
// Returns: payload handed to delivery collaborators.
type NotificationIntent struct {
	Environment  string           `json:"environment"`
	Rule         NotificationRule `json:"rule"`
	Transition   StateTransition  `json:"transition"`
	HighestLevel State            `json:"highest_level"`
	Recovery     bool             `json:"recovery,omitempty"`
	Repeat       bool             `json:"repeat,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
