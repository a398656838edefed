package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"healthtree/internal/config"
	"healthtree/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes alert batches via JetStream queue consumer and forwards to sink.
// Params: NATS connection, JetStream queue subscription, and alert sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for alert ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink AlertSink, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureIngestStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:     nc,
		logger: logger,
	}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		scratch := acquireDecodeScratch()
		defer releaseDecodeScratch(scratch)
		batch, decodeErr := decodeAlertPayloadInto(message.Data, scratch)
		if decodeErr != nil {
			if logger != nil {
				logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", decodeErr.Error())
			}
			subscriber.ackMessage(message, "decode")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackWait)
		result, submitErr := submitDecoded(ctx, sink, batch)
		cancel()
		if submitErr != nil {
			if !shouldRedeliver(submitErr) {
				if logger != nil {
					logger.Warn("nats ingest result not awaited, batch still applied", "subject", message.Subject, "error", submitErr.Error())
				}
				subscriber.ackMessage(message, "pending")
				return
			}
			if logger != nil {
				logger.Error("nats ingest submit failed", "subject", message.Subject, "error", submitErr.Error())
			}
			subscriber.nackMessage(message, nackDelay)
			return
		}
		if len(result.Rejected) > 0 && logger != nil {
			logger.Warn("nats ingest rejected alerts", "subject", message.Subject, "accepted", result.Accepted, "rejected", len(result.Rejected))
		}
		subscriber.ackMessage(message, "processed")
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// shouldRedeliver reports whether failed submit must be retried through redelivery.
// Batches that reached the environment are applied regardless of the caller's deadline,
// so redelivering them would apply the same alerts twice.
func shouldRedeliver(err error) bool {
	return err != nil && !errors.Is(err, domain.ErrResultPending)
}

// ensureIngestStream creates work-queue stream for alerts when absent.
func ensureIngestStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil && s.logger != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil && s.logger != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
