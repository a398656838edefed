package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"healthtree/internal/domain"
)

// Job is one outbound notification task in async delivery queue.
// Params: one rule route (channel/template) and notification intent.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID        string                    `json:"id"`
	Channel   string                    `json:"channel"`
	Template  string                    `json:"template"`
	Intent    domain.NotificationIntent `json:"intent"`
	CreatedAt time.Time                 `json:"created_at"`
}

// JobsForIntent expands intent into one job per rule route.
// Params: notification intent and enqueue time.
// Returns: jobs with deterministic ids.
func JobsForIntent(intent domain.NotificationIntent, now time.Time) []Job {
	jobs := make([]Job, 0, len(intent.Rule.Routes))
	for _, route := range intent.Rule.Routes {
		jobs = append(jobs, Job{
			ID:        BuildJobID(route.Channel, route.Template, intent),
			Channel:   route.Channel,
			Template:  route.Template,
			Intent:    intent,
			CreatedAt: now,
		})
	}
	return jobs
}

// DLQReason identifies reason why notify job was moved to dead-letter queue.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for notify queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one notification queue task.
// Params: channel route metadata and notification intent.
// Returns: stable SHA1-based id string used for JetStream de-duplication.
func BuildJobID(channel, templateName string, intent domain.NotificationIntent) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s|%s|%t|%t|%d",
		channel,
		templateName,
		intent.Environment,
		intent.Rule.ID,
		intent.Transition.ElementID,
		intent.Transition.RecordID,
		intent.Transition.State,
		intent.Recovery,
		intent.Repeat,
		intent.CreatedAt.UnixNano(),
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues notification delivery jobs.
// Params: context and queue job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// PermanentError marks processing errors that must not be retried.
type PermanentError struct {
	Err error
}

// Error returns wrapped error message.
func (e PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e PermanentError) Unwrap() error {
	return e.Err
}

// MarkPermanent wraps error as permanent processing failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent reports whether error is marked as non-retryable.
// Params: processing error.
// Returns: true when worker must not retry.
func IsPermanent(err error) bool {
	var marked PermanentError
	return errors.As(err, &marked)
}

// Worker consumes queued jobs and acknowledges delivery status.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}
