package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/metrics"
)

// Sink receives persisted notifications, e.g. the SNS audit publisher.
type Sink interface {
	Publish(ctx context.Context, notif *db.Notification) error
}

// ProtectedSink fails fast while the downstream sink is unhealthy.
type ProtectedSink struct {
	sink    Sink
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSink(sink Sink, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSink {
	return &ProtectedSink{
		sink:    sink,
		breaker: breaker,
		logger:  logger,
	}
}

// Publish returns ErrCircuitOpen without calling the sink when the breaker rejects the call.
func (p *ProtectedSink) Publish(ctx context.Context, notif *db.Notification) error {
	if !p.breaker.Allow() {
		metrics.RecordAuditPublish("circuit_open")
		p.logger.Debug("circuit breaker rejected publish",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.sink.Publish(ctx, notif); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}
