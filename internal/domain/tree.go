package domain

import "time"

// Check is leaf health check of one component.
type Check struct {
	ElementID   string    `json:"element_id" yaml:"element_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at"`
}

// Component groups checks of one deployable unit.
type Component struct {
	ElementID   string    `json:"element_id" yaml:"element_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at"`
	Checks      []Check   `json:"checks,omitempty" yaml:"checks"`
}

// Action groups components participating in one user-facing operation.
type Action struct {
	ElementID   string      `json:"element_id" yaml:"element_id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description"`
	CreatedAt   time.Time   `json:"created_at,omitempty" yaml:"created_at"`
	Components  []Component `json:"components,omitempty" yaml:"components"`
}

// Service groups actions of one business service.
type Service struct {
	ElementID   string    `json:"element_id" yaml:"element_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at"`
	Actions     []Action  `json:"actions,omitempty" yaml:"actions"`
}

// Environment is the root of one monitored tree.
// Params: identity, subscription key used for alert routing, and services.
// Returns: immutable-between-refreshes tree definition.
type Environment struct {
	ElementID      string    `json:"element_id" yaml:"element_id"`
	Name           string    `json:"name" yaml:"name"`
	SubscriptionID string    `json:"subscription_id" yaml:"subscription_id"`
	Description    string    `json:"description,omitempty" yaml:"description"`
	CreatedAt      time.Time `json:"created_at,omitempty" yaml:"created_at"`
	Services       []Service `json:"services,omitempty" yaml:"services"`
}
