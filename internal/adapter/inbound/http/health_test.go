package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paygate-mcp/paygate/internal/adapter/outbound/memory"
	"github.com/paygate-mcp/paygate/internal/domain/audit"
	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubBackend reports a fixed liveness.
type stubBackend struct {
	alive bool
}

func (s *stubBackend) Alive() bool { return s.alive }

// newAuditService builds a service with a channel of the given size and no
// send grace, so tests can fill it deterministically (no worker running).
func newAuditService(size int) *service.AuditService {
	return service.NewAuditService(
		audit.NewLog(100, discardLogger()),
		memory.NewAuditStore(100),
		discardLogger(),
		service.WithChannelSize(size),
		service.WithSendTimeout(0),
	)
}

func TestHealthCheckerHealthy(t *testing.T) {
	t.Parallel()

	queue := webhook.NewQueue(webhook.RetryConfig{}, discardLogger())
	if _, err := queue.Enqueue("https://hooks.example.com/pg", "key.created", []byte(`{}`), 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	meter := usage.NewMeter(4)
	meter.Record(usage.Event{Tool: "search", Allowed: true})

	hc := NewHealthChecker(&stubBackend{alive: true}, newAuditService(100), queue, meter, "test-version")
	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["backend"] != "ok" {
		t.Errorf("backend check = %q, want ok", health.Checks["backend"])
	}
	if !strings.HasPrefix(health.Checks["audit"], "ok:") {
		t.Errorf("audit check = %q, want ok prefix", health.Checks["audit"])
	}
	if health.Checks["webhooks"] != "ok: 1 pending, 0 dead" {
		t.Errorf("webhooks check = %q, want 'ok: 1 pending, 0 dead'", health.Checks["webhooks"])
	}
	if health.Checks["usage_events"] != "1 buffered" {
		t.Errorf("usage_events check = %q, want '1 buffered'", health.Checks["usage_events"])
	}
}

func TestHealthCheckerNilComponents(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker(nil, nil, nil, nil, "")
	health := hc.Check()

	// Nothing wired is still healthy: absence is configuration, not failure.
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	for _, name := range []string{"backend", "audit", "webhooks", "usage_events"} {
		if health.Checks[name] != "not configured" {
			t.Errorf("%s = %q, want 'not configured'", name, health.Checks[name])
		}
	}
	if health.Checks["goroutines"] == "" || health.Checks["goroutines"] == "0" {
		t.Errorf("goroutines = %q, want a positive count", health.Checks["goroutines"])
	}
}

func TestHealthCheckerBackendDown(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker(&stubBackend{alive: false}, nil, nil, nil, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", health.Status)
	}
	if health.Checks["backend"] != "down" {
		t.Errorf("backend check = %q, want down", health.Checks["backend"])
	}
}

func TestHealthCheckerAuditChannelFull(t *testing.T) {
	t.Parallel()

	// No worker is draining, so each record parks in the channel; the
	// eleventh finds it full and drops.
	audits := newAuditService(10)
	for i := 0; i < 11; i++ {
		audits.Record("key.created", "admin", "k", nil)
	}

	hc := NewHealthChecker(&stubBackend{alive: true}, audits, nil, nil, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy with audit channel full", health.Status)
	}
	if !strings.HasPrefix(health.Checks["audit"], "degraded:") {
		t.Errorf("audit check = %q, want degraded prefix", health.Checks["audit"])
	}
	if health.Checks["audit_drops"] != "1 dropped" {
		t.Errorf("audit_drops = %q, want '1 dropped'", health.Checks["audit_drops"])
	}
}

func TestHealthCheckerHandler(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker(&stubBackend{alive: true}, nil, nil, nil, "1.0.0")

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthCheckerHandlerUnhealthy(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker(&stubBackend{alive: false}, nil, nil, nil, "")

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", resp.Status)
	}
}

func TestHealthHandlerFallback(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	healthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", resp.Status)
	}
	if len(resp.Checks) != 0 {
		t.Errorf("fallback reported checks: %v", resp.Checks)
	}
}
