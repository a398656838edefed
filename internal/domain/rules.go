package domain

import "time"

// RuleCondition is field predicate shared by ignore and escalation rules.
// Params: exact-or-wildcard patterns; empty field matches any value.
// Returns: condition evaluated against one transition.
type RuleCondition struct {
	AlertName    string `json:"alert_name,omitempty" yaml:"alert_name"`
	ComponentID  string `json:"component_id,omitempty" yaml:"component_id"`
	CheckID      string `json:"check_id,omitempty" yaml:"check_id"`
	Description  string `json:"description,omitempty" yaml:"description"`
	CustomField1 string `json:"custom_field_1,omitempty" yaml:"custom_field_1"`
	CustomField2 string `json:"custom_field_2,omitempty" yaml:"custom_field_2"`
	CustomField3 string `json:"custom_field_3,omitempty" yaml:"custom_field_3"`
	CustomField4 string `json:"custom_field_4,omitempty" yaml:"custom_field_4"`
	CustomField5 string `json:"custom_field_5,omitempty" yaml:"custom_field_5"`
	State        State  `json:"state,omitempty" yaml:"state"`
}

// CustomFields returns condition custom field patterns in declaration order.
func (c RuleCondition) CustomFields() [MaxCustomFields]string {
	return [MaxCustomFields]string{c.CustomField1, c.CustomField2, c.CustomField3, c.CustomField4, c.CustomField5}
}

// IgnoreRule drops matching transitions before they change any state.
// Params: identity, optional environment scope (empty means global), condition, and expiration.
// Returns: suppression rule definition.
type IgnoreRule struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name,omitempty" yaml:"name"`
	EnvironmentID  string        `json:"environment_id,omitempty" yaml:"environment_id"`
	Condition      RuleCondition `json:"condition" yaml:"condition"`
	ExpirationDate *time.Time    `json:"expiration_date,omitempty" yaml:"expiration_date"`
}

// Expired reports whether rule expiration date is in the past.
func (r IgnoreRule) Expired(now time.Time) bool {
	return r.ExpirationDate != nil && r.ExpirationDate.Before(now)
}

// StateIncreaseRule escalates a Warning that stays unresolved for TriggerTime.
// Params: identity, scope, condition, trigger delay, and disable/expiration controls.
// Returns: escalation rule definition.
type StateIncreaseRule struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name,omitempty" yaml:"name"`
	EnvironmentID  string        `json:"environment_id,omitempty" yaml:"environment_id"`
	Condition      RuleCondition `json:"condition" yaml:"condition"`
	TriggerTime    time.Duration `json:"trigger_time" yaml:"trigger_time"`
	Disabled       bool          `json:"disabled,omitempty" yaml:"disabled"`
	ExpirationDate *time.Time    `json:"expiration_date,omitempty" yaml:"expiration_date"`
}

// Active reports whether rule takes part in evaluation at given time.
func (r StateIncreaseRule) Active(now time.Time) bool {
	if r.Disabled {
		return false
	}
	return r.ExpirationDate == nil || !r.ExpirationDate.Before(now)
}

// NotificationRoute binds one rule to channel/template pair.
type NotificationRoute struct {
	Channel  string `json:"channel" yaml:"channel"`
	Template string `json:"template" yaml:"template"`
}

// NotificationRule selects transitions that must be delivered to humans.
// Params: element type/state/id filters, debounce interval, and delivery routes.
// Returns: notification rule definition.
type NotificationRule struct {
	ID                   string              `json:"id" yaml:"id"`
	Name                 string              `json:"name,omitempty" yaml:"name"`
	EnvironmentID        string              `json:"environment_id,omitempty" yaml:"environment_id"`
	ComponentTypes       []ComponentType     `json:"component_types,omitempty" yaml:"component_types"`
	States               []State             `json:"states,omitempty" yaml:"states"`
	ElementIDs           []string            `json:"element_ids,omitempty" yaml:"element_ids"`
	NotificationInterval time.Duration       `json:"notification_interval" yaml:"notification_interval"`
	Routes               []NotificationRoute `json:"routes,omitempty" yaml:"routes"`
}

// DeploymentWindow mutes notifications for covered elements during a time range.
// Params: covered element ids (empty means whole environment) and [Start, End) range.
// Returns: deployment window definition.
type DeploymentWindow struct {
	ID            string    `json:"id" yaml:"id"`
	EnvironmentID string    `json:"environment_id,omitempty" yaml:"environment_id"`
	Description   string    `json:"description,omitempty" yaml:"description"`
	ElementIDs    []string  `json:"element_ids,omitempty" yaml:"element_ids"`
	Start         time.Time `json:"start" yaml:"start"`
	End           time.Time `json:"end" yaml:"end"`
}

// ActiveAt reports whether window covers given instant.
func (w DeploymentWindow) ActiveAt(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}
