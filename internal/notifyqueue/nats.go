package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"healthtree/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	jobStreamMaxAge = 24 * time.Hour
	dlqStreamMaxAge = 7 * 24 * time.Hour
)

// Topology names the JetStream objects of one notification queue.
// Jobs and dead letters are published per environment so consumers can filter by subject.
type Topology struct {
	Stream       string
	Subject      string
	ConsumerName string
	DeliverGroup string
	DLQStream    string
	DLQSubject   string
}

// TopologyFor reads queue object names from config.
// Params: notify queue settings with defaults applied.
// Returns: topology or error when a required name is blank.
func TopologyFor(cfg config.NotifyQueue) (Topology, error) {
	t := Topology{
		Stream:       strings.TrimSpace(cfg.Stream),
		Subject:      strings.TrimSuffix(strings.TrimSpace(cfg.Subject), "."),
		ConsumerName: strings.TrimSpace(cfg.ConsumerName),
		DeliverGroup: strings.TrimSpace(cfg.DeliverGroup),
		DLQStream:    strings.TrimSpace(cfg.DLQStream),
		DLQSubject:   strings.TrimSuffix(strings.TrimSpace(cfg.DLQSubject), "."),
	}
	if t.Stream == "" || t.Subject == "" || t.ConsumerName == "" || t.DeliverGroup == "" {
		return Topology{}, errors.New("notify queue stream, subject, consumer and deliver group are required")
	}
	if cfg.DLQ && (t.DLQStream == "" || t.DLQSubject == "") {
		return Topology{}, errors.New("notify queue dlq stream and subject are required when dlq is enabled")
	}
	return t, nil
}

// JobSubject returns subject carrying jobs of environment.
func (t Topology) JobSubject(environment string) string {
	return config.EnvironmentSubject(t.Subject, environment)
}

// DeadLetterSubject returns subject carrying dead letters of environment.
func (t Topology) DeadLetterSubject(environment string) string {
	return config.EnvironmentSubject(t.DLQSubject, environment)
}

func (t Topology) jobFilter() string { return t.Subject + ".>" }

func (t Topology) dlqFilter() string { return t.DLQSubject + ".>" }

// NATSProducer publishes notification jobs into JetStream stream.
type NATSProducer struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	topology Topology
}

// NewNATSProducer creates JetStream producer for notification queue.
// Params: queue config from notify section.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NotifyQueue) (*NATSProducer, error) {
	topology, err := TopologyFor(cfg)
	if err != nil {
		return nil, err
	}
	nc, js, err := connectQueue(cfg, topology)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, topology: topology}, nil
}

// Enqueue publishes job on the subject of its intent's environment.
// Job id doubles as JetStream message id so duplicate enqueues collapse.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify job %s: %w", job.ID, err)
	}
	msg := nats.NewMsg(p.topology.JobSubject(job.Intent.Environment))
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify job to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// Handler delivers one notification job.
// A PermanentError result moves the job to the dead-letter stream without retry.
type Handler func(ctx context.Context, job Job) error

// NATSWorker consumes notification jobs of all environments through one queue group.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	topology   Topology
	handler    Handler
	logger     *slog.Logger
	dlq        bool
	maxDeliver int
	nackDelay  time.Duration
}

// NewNATSWorker starts queue consumer for notification delivery jobs.
// Params: queue config, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NotifyQueue, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	topology, err := TopologyFor(cfg)
	if err != nil {
		return nil, err
	}
	nc, js, err := connectQueue(cfg, topology)
	if err != nil {
		return nil, err
	}
	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		topology:   topology,
		handler:    handler,
		logger:     logger,
		dlq:        cfg.DLQ,
		maxDeliver: cfg.MaxDeliver,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	sub, err := js.QueueSubscribe(topology.jobFilter(), topology.DeliverGroup, worker.handle,
		nats.BindStream(topology.Stream),
		nats.Durable(topology.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec)*time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", topology.jobFilter(), topology.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handle runs one delivery attempt and settles the message.
func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.warn("notify job decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}
	if w.handler == nil {
		_ = message.Ack()
		return
	}
	err := w.handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}
	if w.logger != nil {
		w.logger.Error("notify job delivery failed", "job_id", job.ID, "channel", job.Channel, "environment", job.Intent.Environment, "error", err.Error())
	}
	attempts := deliveryAttempts(message)
	reason := deadLetterReason(err, attempts, w.maxDeliver)
	if reason == "" {
		w.redeliver(message)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.warn("notify dead letter publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr.Error())
			w.redeliver(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) redeliver(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

func (w *NATSWorker) warn(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}

// Close drains worker subscription and closes NATS connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	defer w.nc.Close()
	if w.sub != nil {
		return w.sub.Drain()
	}
	return nil
}

// deadLetterReason classifies failed attempt.
// Params: handler error, delivery attempt number, and max deliver policy (-1 or 0 for unlimited).
// Returns: DLQ reason, or empty reason when job should be redelivered.
func deadLetterReason(err error, attempts uint64, maxDeliver int) DLQReason {
	switch {
	case IsPermanent(err):
		return DLQReasonPermanentError
	case maxDeliver > 0 && attempts >= uint64(maxDeliver):
		return DLQReasonMaxDeliverExceeded
	default:
		return ""
	}
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata (at least 1).
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}

// publishDLQ records failed job on the dead-letter subject of its environment.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         "unknown error",
		Attempts:      attempts,
		MaxDeliver:    w.maxDeliver,
		Subject:       message.Subject,
		FailedAt:      time.Now().UTC(),
		OriginalMsgID: strings.TrimSpace(message.Header.Get(nats.MsgIdHdr)),
	}
	if cause != nil {
		entry.Error = strings.TrimSpace(cause.Error())
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dead letter: %w", err)
	}
	msg := nats.NewMsg(w.topology.DeadLetterSubject(job.Intent.Environment))
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:dlq:%s:%d", id, reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dead letter to %s: %w", msg.Subject, err)
	}
	return nil
}

// connectQueue opens JetStream and ensures job (and optional dead-letter) streams exist.
func connectQueue(cfg config.NotifyQueue, topology Topology) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for notify queue: %w", err)
	}
	streams := []*nats.StreamConfig{{
		Name:      topology.Stream,
		Subjects:  []string{topology.jobFilter()},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    jobStreamMaxAge,
	}}
	if cfg.DLQ {
		streams = append(streams, &nats.StreamConfig{
			Name:      topology.DLQStream,
			Subjects:  []string{topology.dlqFilter()},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    dlqStreamMaxAge,
		})
	}
	for _, stream := range streams {
		if err := ensureStream(js, stream); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// ensureStream creates stream when absent; an existing stream is left as configured.
func ensureStream(js nats.JetStreamContext, stream *nats.StreamConfig) error {
	_, err := js.StreamInfo(stream.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", stream.Name, err)
	}
	if _, err := js.AddStream(stream); err != nil {
		return fmt.Errorf("create stream %q: %w", stream.Name, err)
	}
	return nil
}
