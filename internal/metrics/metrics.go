// Package metrics holds the Prometheus instruments for both planes.
// Label sets stay low-cardinality: operations come from the canonical
// prefix table, never raw paths.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway holds the edge-plane instruments.
type Gateway struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	RateLimitDecisions *prometheus.CounterVec
	RateLimitBypassed  prometheus.Counter
	RateLimitBlocks    prometheus.Counter
	RateLimitDegraded  prometheus.Counter

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec

	WebsocketSessions prometheus.Gauge
	BroadcastFrames   *prometheus.CounterVec

	CacheErrors *prometheus.CounterVec
}

// NewGateway registers the gateway instruments on reg.
func NewGateway(reg prometheus.Registerer) *Gateway {
	factory := promauto.With(reg)
	return &Gateway{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests handled by the gateway, by operation and status",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request latency by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_decisions_total",
				Help: "Rate-limit verdicts by dimension kind and outcome",
			},
			[]string{"dimension", "outcome"}, // outcome: allowed, denied, blocked
		),
		RateLimitBypassed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_bypassed_total",
				Help: "Requests that skipped rate limiting via the bypass role",
			},
		),
		RateLimitBlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_blocks_total",
				Help: "Timed blocks placed after repeated violations",
			},
		),
		RateLimitDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_degraded_total",
				Help: "Decisions taken while the shared cache was unreachable",
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Breaker state per target (0 closed, 1 half-open, 2 open)",
			},
			[]string{"target"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Breaker state transitions per target",
			},
			[]string{"target", "to"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Upstream failures by target and kind",
			},
			[]string{"target", "kind"}, // kind: connect, timeout, status_5xx, open_circuit
		),
		WebsocketSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_websocket_sessions",
				Help: "Live WebSocket sessions (relay and broadcast)",
			},
		),
		BroadcastFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_broadcast_frames_total",
				Help: "Broadcast frames published, by frame type",
			},
			[]string{"type"},
		),
		CacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_errors_total",
				Help: "Shared cache errors by operation",
			},
			[]string{"op"},
		),
	}
}

// RecordRequest records one handled request.
func (g *Gateway) RecordRequest(operation string, status int, seconds float64) {
	g.RequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	g.RequestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordRateLimit records a rate-limit verdict.
func (g *Gateway) RecordRateLimit(dimension string, outcome string) {
	g.RateLimitDecisions.WithLabelValues(dimension, outcome).Inc()
}

// RecordBreakerState mirrors a breaker transition into the state gauge.
func (g *Gateway) RecordBreakerState(target string, state int, to string) {
	g.BreakerState.WithLabelValues(target).Set(float64(state))
	g.BreakerTransitions.WithLabelValues(target, to).Inc()
}

// RecordUpstreamError counts a proxy failure.
func (g *Gateway) RecordUpstreamError(target, kind string) {
	g.UpstreamErrors.WithLabelValues(target, kind).Inc()
}

// Notifier holds the delivery-plane instruments.
type Notifier struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	NotificationsCreated *prometheus.CounterVec
	ValidationFailures   *prometheus.CounterVec
	MessagesPublished    *prometheus.CounterVec
	MessagesDeadLettered prometheus.Counter
	MessageRetries       prometheus.Counter
	TemplateRenders      *prometheus.CounterVec
	DigestFlushes        prometheus.Counter
	DigestPending        prometheus.Gauge
}

// NewNotifier registers the notifier instruments on reg.
func NewNotifier(reg prometheus.Registerer) *Notifier {
	factory := promauto.With(reg)
	return &Notifier{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_requests_total",
				Help: "Requests handled by the notifier, by operation and status",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifier_request_duration_seconds",
				Help:    "Request latency by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		NotificationsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_notifications_created_total",
				Help: "Notifications accepted at intake, by type",
			},
			[]string{"type"},
		),
		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_validation_failures_total",
				Help: "Intake validation failures by field",
			},
			[]string{"field"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_messages_published_total",
				Help: "Outbound messages by routing-key class and outcome",
			},
			[]string{"routing_key", "outcome"}, // outcome: ack, retried, dead_lettered, failed
		),
		MessagesDeadLettered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notifier_messages_dead_lettered_total",
				Help: "Messages routed to the DLX after exhausting retries",
			},
		),
		MessageRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notifier_message_retries_total",
				Help: "Republish attempts after a publish failure",
			},
		),
		TemplateRenders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_template_renders_total",
				Help: "Template render attempts by type and outcome",
			},
			[]string{"type", "outcome"}, // outcome: ok, missing, invalid_vars
		),
		DigestFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notifier_digest_flushes_total",
				Help: "Digest scheduler flush runs",
			},
		),
		DigestPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notifier_digest_pending",
				Help: "Digest-pending entries seen at the last flush",
			},
		),
	}
}

// RecordRequest records one handled request.
func (n *Notifier) RecordRequest(operation string, status int, seconds float64) {
	n.RequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	n.RequestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordPublish records a producer outcome for one message.
func (n *Notifier) RecordPublish(routingKey, outcome string) {
	n.MessagesPublished.WithLabelValues(routingKey, outcome).Inc()
}

// RecordRender records a template render attempt.
func (n *Notifier) RecordRender(notificationType, outcome string) {
	n.TemplateRenders.WithLabelValues(notificationType, outcome).Inc()
}
