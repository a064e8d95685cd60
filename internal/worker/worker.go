// Package worker ingests collaborator domain events from SQS into the notification service.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/metrics"
	"github.com/lalithlochan/pulse/internal/notification"
	"github.com/lalithlochan/pulse/internal/redis"
	"github.com/lalithlochan/pulse/internal/sqs"
)

// Queue is the event source.
type Queue interface {
	Receive(ctx context.Context) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Retry(ctx context.Context, receiptHandle string, delay int32) error
}

// DeadLetter keeps events that can never be ingested.
type DeadLetter interface {
	Send(ctx context.Context, body string, attrs map[string]string) (string, error)
}

// Ingester turns a domain event into notifications.
type Ingester interface {
	Ingest(ctx context.Context, kind string, raw json.RawMessage) ([]*db.Notification, error)
}

// Idempotency remembers events that were already ingested.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, source, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, source, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, source, key string) error
}

type Config struct {
	MaxReceives       int           // deliveries before a failing event is dead-lettered
	ReceiveBackoff    time.Duration // first wait after a failed receive
	MaxReceiveBackoff time.Duration
}

type Option func(*Worker)

// WithDeadLetter forwards unprocessable events to dlq before deleting them.
func WithDeadLetter(dlq DeadLetter) Option {
	return func(w *Worker) { w.dlq = dlq }
}

// WithIdempotency skips events whose id was already ingested.
func WithIdempotency(idem Idempotency) Option {
	return func(w *Worker) { w.idem = idem }
}

type Worker struct {
	queue    Queue
	ingester Ingester
	dlq      DeadLetter
	idem     Idempotency
	config   Config
	logger   *zap.Logger
}

func New(queue Queue, ingester Ingester, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.MaxReceives == 0 {
		cfg.MaxReceives = 5
	}
	if cfg.ReceiveBackoff == 0 {
		cfg.ReceiveBackoff = time.Second
	}
	if cfg.MaxReceiveBackoff == 0 {
		cfg.MaxReceiveBackoff = 30 * time.Second
	}

	w := &Worker{
		queue:    queue,
		ingester: ingester,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("event worker started")

	for {
		batch, err := w.receive(ctx)
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}
		if err != nil {
			w.logger.Error("receive gave up", zap.Error(err))
			continue
		}

		for _, msg := range batch {
			w.process(ctx, msg)
		}
	}
}

// receive retries failed polls with capped exponential backoff.
func (w *Worker) receive(ctx context.Context) ([]sqs.Received, error) {
	b := retry.NewExponential(w.config.ReceiveBackoff)
	b = retry.WithCappedDuration(w.config.MaxReceiveBackoff, b)

	var batch []sqs.Received
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		msgs, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			w.logger.Warn("receive failed, backing off", zap.Error(err))
			return retry.RetryableError(err)
		}
		batch = msgs
		return nil
	})
	return batch, err
}

func (w *Worker) process(ctx context.Context, r sqs.Received) {
	msg, err := r.Decode()
	if err != nil {
		metrics.RecordEventIngested("sqs", "invalid", "dead_lettered")
		w.deadLetter(ctx, r, err)
		return
	}

	source := msg.Source
	if source == "" {
		source = "sqs"
	}
	key := msg.DedupKey(r.MessageID)

	reserved := false
	if w.idem != nil {
		cached, err := w.idem.CheckOrReserve(ctx, source, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			// another delivery is being ingested; this copy reappears after the visibility timeout
			metrics.RecordEventIngested("sqs", msg.Kind, "in_flight")
			return
		case err != nil:
			w.logger.Warn("idempotency check failed, ingesting anyway", zap.Error(err))
		case cached != nil:
			metrics.RecordIdempotencyHit()
			metrics.RecordEventIngested("sqs", msg.Kind, "duplicate")
			w.delete(ctx, r)
			return
		default:
			reserved = true
		}
	}

	notifs, err := w.ingester.Ingest(ctx, msg.Kind, msg.Data)
	switch {
	case err == nil:
		metrics.RecordEventIngested("sqs", msg.Kind, "ok")

	case len(notifs) > 0:
		// redelivery would duplicate the recipients that succeeded
		w.logger.Error("event partially ingested",
			zap.String("message_id", r.MessageID),
			zap.String("kind", msg.Kind),
			zap.Int("created", len(notifs)),
			zap.Error(err),
		)
		metrics.RecordEventIngested("sqs", msg.Kind, "partial")

	case errors.Is(err, notification.ErrInvalidEvent):
		w.release(ctx, reserved, source, key)
		metrics.RecordEventIngested("sqs", "invalid", "dead_lettered")
		w.deadLetter(ctx, r, err)
		return

	default:
		w.release(ctx, reserved, source, key)
		w.retryLater(ctx, r, msg.Kind, err)
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{StatusCode: 201}
		for _, n := range notifs {
			result.NotificationIDs = append(result.NotificationIDs, n.ID.String())
		}
		if err := w.idem.Store(ctx, source, key, result, redis.IdempotencyTTL); err != nil {
			w.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	w.logger.Info("event ingested",
		zap.String("message_id", r.MessageID),
		zap.String("kind", msg.Kind),
		zap.Int("notifications", len(notifs)),
	)
	w.delete(ctx, r)
}

func (w *Worker) retryLater(ctx context.Context, r sqs.Received, kind string, cause error) {
	if r.ReceiveCount >= w.config.MaxReceives {
		metrics.RecordEventIngested("sqs", kind, "dead_lettered")
		w.deadLetter(ctx, r, cause)
		return
	}

	delay := retryDelay(r.ReceiveCount)
	w.logger.Warn("event ingestion failed, will retry",
		zap.String("message_id", r.MessageID),
		zap.Int("receive_count", r.ReceiveCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	metrics.RecordEventIngested("sqs", kind, "retry")

	if err := w.queue.Retry(ctx, r.ReceiptHandle, int32(delay/time.Second)); err != nil {
		w.logger.Error("failed to reschedule message", zap.Error(err))
	}
}

// retryDelay grows with each delivery of the same message
func retryDelay(receiveCount int) time.Duration {
	delays := []time.Duration{
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
		5 * time.Minute,
	}

	idx := receiveCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

func (w *Worker) deadLetter(ctx context.Context, r sqs.Received, cause error) {
	if w.dlq == nil {
		w.logger.Error("dropping unprocessable event",
			zap.String("message_id", r.MessageID),
			zap.String("body", r.Body),
			zap.Error(cause),
		)
		w.delete(ctx, r)
		return
	}

	if _, err := w.dlq.Send(ctx, r.Body, map[string]string{
		"error":      cause.Error(),
		"message_id": r.MessageID,
	}); err != nil {
		// leave it on the queue; the source queue's redrive policy takes over
		w.logger.Error("failed to dead-letter event",
			zap.String("message_id", r.MessageID),
			zap.Error(err),
		)
		return
	}

	w.logger.Warn("event moved to dead letter queue",
		zap.String("message_id", r.MessageID),
		zap.Error(cause),
	)
	w.delete(ctx, r)
}

func (w *Worker) release(ctx context.Context, reserved bool, source, key string) {
	if !reserved {
		return
	}
	if err := w.idem.Release(ctx, source, key); err != nil {
		w.logger.Warn("failed to release idempotency key", zap.Error(err))
	}
}

func (w *Worker) delete(ctx context.Context, r sqs.Received) {
	if err := w.queue.Delete(ctx, r.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete message",
			zap.String("message_id", r.MessageID),
			zap.Error(err),
		)
	}
}
