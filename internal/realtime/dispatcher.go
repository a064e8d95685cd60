package realtime

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/metrics"
)

// Dispatcher pushes frames to live connections. It reads the Registry and
// never mutates it. Users without a live connection are skipped silently.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger,
	}
}

// SendToUser pushes one frame to every connection of userID and returns how
// many accepted it. Per-connection failures are joined into the error.
func (d *Dispatcher) SendToUser(userID, event string, payload any) (int, error) {
	handles := d.registry.ConnectionsFor(userID)
	if len(handles) == 0 {
		metrics.RecordPush(event, "offline")
		return 0, nil
	}

	frame, err := NewFrame(event, payload)
	if err != nil {
		return 0, err
	}
	return d.push(event, frame, handles)
}

// SendToUsers applies SendToUser to each id. A failing recipient does not
// stop delivery to the rest.
func (d *Dispatcher) SendToUsers(userIDs []string, event string, payload any) (int, error) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for _, userID := range userIDs {
		handles := d.registry.ConnectionsFor(userID)
		if len(handles) == 0 {
			metrics.RecordPush(event, "offline")
			continue
		}
		n, err := d.push(event, frame, handles)
		delivered += n
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	return delivered, errors.Join(errs...)
}

// Broadcast pushes to every live connection regardless of user.
// It is meant for system announcements, not notification delivery.
func (d *Dispatcher) Broadcast(event string, payload any) (int, error) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return 0, err
	}

	handles := d.registry.All()
	d.logger.Info("broadcasting",
		zap.String("event", event),
		zap.Int("connections", len(handles)),
	)
	return d.push(event, frame, handles)
}

func (d *Dispatcher) push(event string, frame Frame, handles []Handle) (int, error) {
	delivered := 0
	var errs []error
	for _, h := range handles {
		if err := h.Send(frame); err != nil {
			metrics.RecordPush(event, "failed")
			d.logger.Warn("push failed",
				zap.String("event", event),
				zap.String("conn_id", h.ID()),
				zap.String("user_id", h.UserID()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("conn %s: %w", h.ID(), err))
			continue
		}
		metrics.RecordPush(event, "delivered")
		delivered++
	}
	return delivered, errors.Join(errs...)
}
