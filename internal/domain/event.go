package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxCustomFields is number of free-form custom fields carried by alerts.
const MaxCustomFields = 5

// AlertEvent is one inbound health-check alert.
// Params: routing keys (subscription/component/check), alert identity, and state.
// Returns: raw input for normalizer.
type AlertEvent struct {
	RecordID        string    `json:"record_id"`
	AlertName       string    `json:"alert_name"`
	TimeGenerated   time.Time `json:"time_generated"`
	SourceTimestamp time.Time `json:"source_timestamp"`
	SubscriptionID  string    `json:"subscription_id"`
	ComponentID     string    `json:"component_id"`
	CheckID         string    `json:"check_id"`
	Description     string    `json:"description"`
	CustomField1    string    `json:"custom_field_1,omitempty"`
	CustomField2    string    `json:"custom_field_2,omitempty"`
	CustomField3    string    `json:"custom_field_3,omitempty"`
	CustomField4    string    `json:"custom_field_4,omitempty"`
	CustomField5    string    `json:"custom_field_5,omitempty"`
	State           State     `json:"state"`
}

// CustomFields returns custom fields in declaration order.
// Params: none.
// Returns: fixed-size custom field array.
func (e AlertEvent) CustomFields() [MaxCustomFields]string {
	return [MaxCustomFields]string{e.CustomField1, e.CustomField2, e.CustomField3, e.CustomField4, e.CustomField5}
}

// Validate checks required alert fields.
// Params: alert fields parsed from transport.
// Returns: ValidationError when contract is violated.
func (e AlertEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.AlertName) == "" {
		missing = append(missing, "alert_name")
	}
	if strings.TrimSpace(e.SubscriptionID) == "" {
		missing = append(missing, "subscription_id")
	}
	if strings.TrimSpace(e.ComponentID) == "" {
		missing = append(missing, "component_id")
	}
	if strings.TrimSpace(e.CheckID) == "" {
		missing = append(missing, "check_id")
	}
	if len(missing) > 0 {
		return NewError(KindValidation, "validate alert", fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	if !e.State.Valid() {
		return NewError(KindValidation, "validate alert", fmt.Errorf("unsupported state %q", e.State))
	}
	return nil
}
