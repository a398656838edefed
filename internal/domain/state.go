package domain

import (
	"fmt"
	"strings"
)

// State is health state of one tree element.
// Params: Ok/Warning/Error constants ordered by severity.
// Returns: comparable state used by propagation and rules.
type State string

const (
	// StateOk marks healthy element.
	StateOk State = "Ok"
	// StateWarning marks degraded element.
	StateWarning State = "Warning"
	// StateError marks failed element.
	StateError State = "Error"
)

// ParseState converts raw state name into canonical state (case-insensitive).
// Params: raw state text.
// Returns: canonical state or validation error.
func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ok":
		return StateOk, nil
	case "warning":
		return StateWarning, nil
	case "error":
		return StateError, nil
	default:
		return "", fmt.Errorf("unsupported state %q", raw)
	}
}

// UnmarshalText canonicalizes known state names and keeps unknown values for validation.
// Params: raw text value from JSON/YAML.
// Returns: nil.
func (s *State) UnmarshalText(raw []byte) error {
	parsed, err := ParseState(string(raw))
	if err != nil {
		*s = State(raw)
		return nil
	}
	*s = parsed
	return nil
}

// Valid reports whether state is one of known constants.
// Params: none.
// Returns: true for Ok/Warning/Error.
func (s State) Valid() bool {
	switch s {
	case StateOk, StateWarning, StateError:
		return true
	default:
		return false
	}
}

// Severity maps state into total order Ok < Warning < Error.
// Params: none.
// Returns: numeric severity (unknown states rank as Ok).
func (s State) Severity() int {
	switch s {
	case StateWarning:
		return 1
	case StateError:
		return 2
	default:
		return 0
	}
}

// Degraded reports whether state is worse than Ok.
func (s State) Degraded() bool {
	return s.Severity() > 0
}

// MaxState returns the most severe state of two.
// Params: two states.
// Returns: worst state; first argument wins ties.
func MaxState(a, b State) State {
	if b.Severity() > a.Severity() {
		return b
	}
	if !a.Valid() {
		return StateOk
	}
	return a
}

// ComponentType identifies the level of one element in the environment tree.
type ComponentType string

const (
	ComponentTypeEnvironment ComponentType = "Environment"
	ComponentTypeService     ComponentType = "Service"
	ComponentTypeAction      ComponentType = "Action"
	ComponentTypeComponent   ComponentType = "Component"
	ComponentTypeCheck       ComponentType = "Check"
)

// ParseComponentType converts raw component type name (case-insensitive).
// Params: raw type text.
// Returns: canonical type or validation error.
func ParseComponentType(raw string) (ComponentType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "environment":
		return ComponentTypeEnvironment, nil
	case "service":
		return ComponentTypeService, nil
	case "action":
		return ComponentTypeAction, nil
	case "component":
		return ComponentTypeComponent, nil
	case "check":
		return ComponentTypeCheck, nil
	default:
		return "", fmt.Errorf("unsupported component type %q", raw)
	}
}

// UnmarshalText canonicalizes known type names and keeps unknown values for validation.
func (c *ComponentType) UnmarshalText(raw []byte) error {
	parsed, err := ParseComponentType(string(raw))
	if err != nil {
		*c = ComponentType(raw)
		return nil
	}
	*c = parsed
	return nil
}

// ProgressState is human triage status of one transition.
type ProgressState string

const (
	ProgressNone       ProgressState = "None"
	ProgressOpen       ProgressState = "Open"
	ProgressInProgress ProgressState = "InProgress"
	ProgressDone       ProgressState = "Done"
)
