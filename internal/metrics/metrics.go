package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_ws_connections_active",
			Help: "Live WebSocket connections across all users",
		},
	)

	onlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_online_users",
			Help: "Distinct users with at least one live connection",
		},
	)

	handshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ws_handshake_failures_total",
			Help: "Rejected connection attempts by reason",
		},
		[]string{"reason"},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_pushes_total",
			Help: "Frames pushed to live connections by event and result",
		},
		[]string{"event", "result"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_created_total",
			Help: "Notifications persisted by type",
		},
		[]string{"type"},
	)

	persistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notification_persist_failures_total",
			Help: "Notifications that could not be persisted, by type",
		},
		[]string{"type"},
	)

	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_ingested_total",
			Help: "Domain events received from collaborators by source, kind, and result",
		},
		[]string{"source", "kind", "result"},
	)

	auditPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_audit_publishes_total",
			Help: "Audit topic publishes by result",
		},
		[]string{"result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_breaker_state",
			Help: "Circuit breaker position (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetPresence sets the live connection and online user gauges
func SetPresence(connections, users int) {
	wsConnectionsActive.Set(float64(connections))
	onlineUsers.Set(float64(users))
}

// RecordHandshakeFailure records a rejected connection attempt
func RecordHandshakeFailure(reason string) {
	handshakeFailures.WithLabelValues(reason).Inc()
}

// RecordPush records the outcome of pushing one frame to one connection
func RecordPush(event, result string) {
	pushesTotal.WithLabelValues(event, result).Inc()
}

// RecordNotificationCreated records a persisted notification
func RecordNotificationCreated(notificationType string) {
	notificationsCreated.WithLabelValues(notificationType).Inc()
}

// RecordPersistFailure records a notification the store rejected
func RecordPersistFailure(notificationType string) {
	persistFailures.WithLabelValues(notificationType).Inc()
}

// RecordEventIngested records a domain event handed to the orchestrator
func RecordEventIngested(source, kind, result string) {
	eventsIngested.WithLabelValues(source, kind, result).Inc()
}

// RecordAuditPublish records an audit topic publish result
func RecordAuditPublish(result string) {
	auditPublishes.WithLabelValues(result).Inc()
}

// SetBreakerState records the position of a named circuit breaker
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.status = http.StatusSwitchingProtocols
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
