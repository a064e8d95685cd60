// Package circuitbreaker stops calls to a failing downstream dependency
// until it has had time to recover.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/metrics"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // one probe call is in flight or allowed
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned for calls rejected while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	Name            string        // label in logs, stats and metrics, e.g. "sns-audit"
	MaxFailures     int           // consecutive failures that open the circuit
	RecoveryTimeout time.Duration // time spent open before a probe is let through
}

// DefaultConfig opens after 5 failures and probes after 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// CircuitBreaker guards one downstream. After MaxFailures consecutive
// failures it opens. Once RecoveryTimeout has passed a single probe call is
// admitted and its outcome either closes the breaker or opens it again.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	streak      int
	probing     bool
	openedAt    time.Time
	changedAt   time.Time
	lastFailure time.Time
	counts      counters
}

// New creates a closed breaker. Zero config values fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	cb := &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
	cb.changedAt = cb.now()
	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return cb
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Allow reports whether a call may proceed. Every admitted call must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.requests++

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			return true
		}
	}

	cb.counts.rejected++
	return false
}

// RecordSuccess clears the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.successes++
	cb.streak = 0

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, downstream recovered", zap.String("breaker", cb.cfg.Name))
	}
}

// RecordFailure extends the failure streak. A failed probe reopens at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.failures++
	cb.streak++
	cb.lastFailure = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker reopened, probe failed", zap.String("breaker", cb.cfg.Name))
	case cb.state == StateClosed && cb.streak >= cb.cfg.MaxFailures:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker opened",
			zap.String("breaker", cb.cfg.Name),
			zap.Int("failures", cb.streak),
			zap.Duration("recovery_timeout", cb.cfg.RecoveryTimeout),
		)
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot served on the internal API.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.counts.requests,
		TotalFailures:   cb.counts.failures,
		TotalSuccesses:  cb.counts.successes,
		TotalRejected:   cb.counts.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed and clears the failure streak. Totals are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.streak = 0
	cb.setState(StateClosed)
	cb.logger.Info("circuit breaker reset", zap.String("breaker", cb.cfg.Name))
}

// caller holds mu
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}

	cb.logger.Debug("circuit breaker transition",
		zap.String("breaker", cb.cfg.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", next),
	)

	cb.state = next
	cb.changedAt = cb.now()
	cb.probing = false
	if next == StateOpen {
		cb.openedAt = cb.changedAt
	}
	metrics.SetBreakerState(cb.cfg.Name, int(next))
}
