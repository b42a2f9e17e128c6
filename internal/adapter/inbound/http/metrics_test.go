package http

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/paygate-mcp/paygate/internal/domain/cache"
	"github.com/paygate-mcp/paygate/internal/domain/gate"
	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/service"
)

// gatheredValue scans a registry for a family by fully qualified name and
// returns the value of its first metric.
func gatheredValue(t *testing.T, reg *prometheus.Registry, name string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue(), true
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue(), true
		}
	}
	return 0, false
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	m := NewMetrics(prometheus.NewRegistry())

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal not initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration not initialized")
	}
	if m.GateDecisions == nil {
		t.Error("GateDecisions not initialized")
	}
	if m.CreditsCharged == nil {
		t.Error("CreditsCharged not initialized")
	}
	if m.CreditsRefunded == nil {
		t.Error("CreditsRefunded not initialized")
	}
	if m.BreakerState == nil {
		t.Error("BreakerState not initialized")
	}
}

func TestObserveOutcome(t *testing.T) {
	t.Parallel()

	t.Run("allowed call records charge plus surcharge", func(t *testing.T) {
		t.Parallel()
		m := NewMetrics(prometheus.NewRegistry())

		m.ObserveOutcome(service.Outcome{
			Decision:   gate.Decision{Allowed: true, CreditsCharged: 3, EvaluatedAt: time.Now()},
			Settlement: gate.Settlement{Surcharge: 2},
		})

		if got := testutil.ToFloat64(m.GateDecisions.WithLabelValues("allowed", "none")); got != 1 {
			t.Errorf("gate_decisions{allowed,none} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.CreditsCharged); got != 5 {
			t.Errorf("credits_charged = %v, want 5 (3 reserved + 2 surcharge)", got)
		}
		if got := testutil.ToFloat64(m.CreditsRefunded); got != 0 {
			t.Errorf("credits_refunded = %v, want 0", got)
		}
	})

	t.Run("denied call carries the reason label and charges nothing", func(t *testing.T) {
		t.Parallel()
		m := NewMetrics(prometheus.NewRegistry())

		m.ObserveOutcome(service.Outcome{
			Decision: gate.Decision{Reason: gate.ReasonInsufficientCredits, EvaluatedAt: time.Now()},
		})

		if got := testutil.ToFloat64(m.GateDecisions.WithLabelValues("denied", gate.ReasonInsufficientCredits)); got != 1 {
			t.Errorf("gate_decisions{denied,insufficient_credits} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.CreditsCharged); got != 0 {
			t.Errorf("credits_charged = %v, want 0", got)
		}
	})

	t.Run("shadow admission keeps the would-be deny reason", func(t *testing.T) {
		t.Parallel()
		m := NewMetrics(prometheus.NewRegistry())

		m.ObserveOutcome(service.Outcome{
			Decision: gate.Decision{
				Allowed:     true,
				Shadow:      true,
				Reason:      gate.ShadowPrefix + gate.ReasonRateLimited,
				EvaluatedAt: time.Now(),
			},
		})

		if got := testutil.ToFloat64(m.GateDecisions.WithLabelValues("shadow", gate.ReasonRateLimited)); got != 1 {
			t.Errorf("gate_decisions{shadow,rate_limited} = %v, want 1", got)
		}
	})

	t.Run("failed call records both the reserve and the refund", func(t *testing.T) {
		t.Parallel()
		m := NewMetrics(prometheus.NewRegistry())

		m.ObserveOutcome(service.Outcome{
			Decision:   gate.Decision{Allowed: true, CreditsCharged: 4, EvaluatedAt: time.Now()},
			Settlement: gate.Settlement{Refunded: 4},
		})

		if got := testutil.ToFloat64(m.CreditsCharged); got != 4 {
			t.Errorf("credits_charged = %v, want 4", got)
		}
		if got := testutil.ToFloat64(m.CreditsRefunded); got != 4 {
			t.Errorf("credits_refunded = %v, want 4", got)
		}
	})

	t.Run("ungated outcome records nothing", func(t *testing.T) {
		t.Parallel()
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)

		m.ObserveOutcome(service.Outcome{}) // zero Decision: parse failure or free method

		if _, ok := gatheredValue(t, reg, "paygate_gate_decisions_total"); ok {
			t.Error("gate_decisions exported a series for an ungated outcome")
		}
		if got := testutil.ToFloat64(m.CreditsCharged); got != 0 {
			t.Errorf("credits_charged = %v, want 0", got)
		}
	})
}

func TestBreakerStateHook(t *testing.T) {
	t.Parallel()
	m := NewMetrics(prometheus.NewRegistry())
	hook := m.BreakerStateHook()

	steps := []struct {
		to   string
		want float64
	}{
		{"open", 2},
		{"half-open", 1},
		{"closed", 0},
	}
	from := "closed"
	for _, s := range steps {
		hook("search", from, s.to)
		if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("search")); got != s.want {
			t.Errorf("breaker_state after -> %s = %v, want %v", s.to, got, s.want)
		}
		from = s.to
	}
}

func TestRegisterComponentCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	queue := webhook.NewQueue(webhook.RetryConfig{}, logger)
	if _, err := queue.Enqueue("https://hooks.example.com/pg", "key.created", []byte(`{}`), 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	meter := usage.NewMeter(8)
	meter.Record(usage.Event{Tool: "search", Allowed: true})
	meter.Record(usage.Event{Tool: "fetch", Allowed: false})

	respCache := cache.NewResponseCache(cache.Config{MaxEntries: 4, DefaultTTL: time.Minute})
	respCache.Populate("k", []byte(`{"ok":true}`), time.Minute)
	if _, ok := respCache.Lookup("k"); !ok {
		t.Fatal("expected cache hit")
	}
	respCache.Lookup("missing")

	RegisterComponentCollectors(reg, queue, nil, meter, respCache)

	want := map[string]float64{
		"paygate_webhook_pending":         1,
		"paygate_webhook_dead_letters":    0,
		"paygate_webhook_delivered_total": 0,
		"paygate_usage_events_buffered":   2,
		"paygate_cache_hits_total":        1,
		"paygate_cache_misses_total":      1,
		"paygate_cache_entries":           1,
	}
	for name, wantV := range want {
		got, ok := gatheredValue(t, reg, name)
		if !ok {
			t.Errorf("family %s not exported", name)
			continue
		}
		if got != wantV {
			t.Errorf("%s = %v, want %v", name, got, wantV)
		}
	}

	// Nil components are skipped, not registered at zero.
	if _, ok := gatheredValue(t, reg, "paygate_audit_channel_depth"); ok {
		t.Error("audit collector registered despite nil audit service")
	}
}
