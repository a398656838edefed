package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
// Params: one of validation/routing/configuration/persistence kinds.
// Returns: machine-readable failure category.
type ErrorKind string

const (
	// KindValidation marks malformed or incomplete alerts.
	KindValidation ErrorKind = "validation"
	// KindUnknownElement marks alerts targeting ids outside the environment tree.
	KindUnknownElement ErrorKind = "unknown_element"
	// KindUnknownEnvironment marks alerts for unregistered subscriptions.
	KindUnknownEnvironment ErrorKind = "unknown_environment"
	// KindConfiguration marks malformed rules or trees.
	KindConfiguration ErrorKind = "configuration"
	// KindPersistence marks storage failures.
	KindPersistence ErrorKind = "persistence"
)

// ErrEnvironmentClosed is returned for work enqueued after environment disposal.
var ErrEnvironmentClosed = errors.New("environment closed")

// ErrResultPending is returned when the caller stopped waiting after work was enqueued.
// The work is still applied by the environment.
var ErrResultPending = errors.New("request enqueued, result not awaited")

// Error is classified engine error.
// Params: kind, operation label, and wrapped cause.
// Returns: error compatible with errors.Is/errors.As.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps cause with kind and operation.
// Params: failure kind, operation label, and cause.
// Returns: classified error.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error returns formatted message.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns kind of the first classified error in chain.
// Params: any error.
// Returns: error kind or empty string when error is not classified.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// Rejection describes one alert dropped from a batch.
type Rejection struct {
	Index          int       `json:"index"`
	RecordID       string    `json:"record_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ComponentID    string    `json:"component_id,omitempty"`
	Kind           ErrorKind `json:"kind"`
	Reason         string    `json:"reason"`
}

// BatchResult is partial-failure outcome of one alert batch.
// Params: counters for accepted/ignored alerts, applied transitions, and rejections.
// Returns: explicit result instead of aborting the batch.
type BatchResult struct {
	Accepted    int         `json:"accepted"`
	Ignored     int         `json:"ignored"`
	Transitions int         `json:"transitions"`
	Rejected    []Rejection `json:"rejected,omitempty"`
}

// Merge folds other result into r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Accepted += other.Accepted
	r.Ignored += other.Ignored
	r.Transitions += other.Transitions
	r.Rejected = append(r.Rejected, other.Rejected...)
}

// Reject appends one rejection for alert at index.
// Params: batch index, alert, and classified cause.
// Returns: none.
func (r *BatchResult) Reject(index int, event AlertEvent, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindValidation
	}
	r.Rejected = append(r.Rejected, Rejection{
		Index:          index,
		RecordID:       event.RecordID,
		SubscriptionID: event.SubscriptionID,
		ComponentID:    event.ComponentID,
		Kind:           kind,
		Reason:         err.Error(),
	})
}
