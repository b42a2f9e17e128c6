package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paygate-mcp/paygate/internal/domain/cache"
	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/service"
)

// Metrics holds the Prometheus families the transport records directly.
// Live component depths are exposed separately via
// RegisterComponentCollectors.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	GateDecisions   *prometheus.CounterVec
	CreditsCharged  prometheus.Counter
	CreditsRefunded prometheus.Counter
	BreakerState    *prometheus.GaugeVec
}

// NewMetrics creates and registers all request-path metrics with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "paygate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GateDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "gate_decisions_total",
				Help:      "Admission decisions by outcome and deny reason",
			},
			[]string{"outcome", "reason"}, // outcome=allowed/shadow/denied
		),
		CreditsCharged: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "credits_charged_total",
				Help:      "Credits charged, including output surcharges",
			},
		),
		CreditsRefunded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "credits_refunded_total",
				Help:      "Credits returned after backend failures",
			},
		),
		BreakerState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "paygate",
				Name:      "breaker_state",
				Help:      "Circuit state per tool: 0 closed, 1 half-open, 2 open",
			},
			[]string{"tool"},
		),
	}
}

// ObserveOutcome records the billing side of one dispatched request. Calls
// that never reached the gate (parse failures, free methods) record nothing.
func (m *Metrics) ObserveOutcome(out service.Outcome) {
	d := out.Decision
	if d.EvaluatedAt.IsZero() {
		return
	}
	outcome := "denied"
	reason := d.DeniedReason()
	switch {
	case d.Shadow:
		outcome = "shadow"
	case d.Allowed:
		outcome, reason = "allowed", "none"
	}
	m.GateDecisions.WithLabelValues(outcome, reason).Inc()

	if charged := d.CreditsCharged + out.Settlement.Surcharge; charged > 0 {
		m.CreditsCharged.Add(float64(charged))
	}
	if out.Settlement.Refunded > 0 {
		m.CreditsRefunded.Add(float64(out.Settlement.Refunded))
	}
}

// BreakerStateHook adapts the gauge to the breaker manager's transition
// callback.
func (m *Metrics) BreakerStateHook() func(tool, from, to string) {
	return func(tool, _, to string) {
		m.BreakerState.WithLabelValues(tool).Set(breakerStateValue(to))
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RegisterComponentCollectors exposes live depths and cumulative counters
// read straight from the gateway's components. Nil components are skipped.
func RegisterComponentCollectors(
	reg prometheus.Registerer,
	queue *webhook.Queue,
	audits *service.AuditService,
	meter *usage.Meter,
	respCache *cache.ResponseCache,
) {
	if queue != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "webhook_pending",
			Help:      "Webhook deliveries waiting or in flight",
		}, func() float64 {
			d := queue.Depth()
			return float64(d.Pending + d.InFlight)
		})
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "webhook_dead_letters",
			Help:      "Webhook deliveries parked after exhausting retries",
		}, func() float64 { return float64(queue.Depth().Dead) })
		promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "webhook_delivered_total",
			Help:      "Webhook deliveries confirmed by the endpoint",
		}, func() float64 { return float64(queue.Depth().Delivered) })
	}
	if audits != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "audit_channel_depth",
			Help:      "Audit events buffered toward the persistence worker",
		}, func() float64 { return float64(audits.ChannelDepth()) })
		promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped under backpressure",
		}, func() float64 { return float64(audits.DroppedEvents()) })
	}
	if meter != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "usage_events_buffered",
			Help:      "Usage events held in the in-memory ring",
		}, func() float64 { return float64(meter.Len()) })
	}
	if respCache != nil {
		promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "cache_hits_total",
			Help:      "Response cache hits",
		}, func() float64 { return float64(respCache.Stats().Hits) })
		promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "cache_misses_total",
			Help:      "Response cache misses",
		}, func() float64 { return float64(respCache.Stats().Misses) })
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "cache_entries",
			Help:      "Live response cache entries",
		}, func() float64 { return float64(respCache.Stats().Entries) })
	}
}
