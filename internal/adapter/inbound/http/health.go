package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/service"
)

// BackendStatus reports last-known liveness of the backend transport
// without a round trip. Both backend clients implement it.
type BackendStatus interface {
	Alive() bool
}

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	backend BackendStatus
	audits  *service.AuditService
	queue   *webhook.Queue
	meter   *usage.Meter
	version string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(
	backend BackendStatus,
	audits *service.AuditService,
	queue *webhook.Queue,
	meter *usage.Meter,
	version string,
) *HealthChecker {
	return &HealthChecker{
		backend: backend,
		audits:  audits,
		queue:   queue,
		meter:   meter,
		version: version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// A dead backend means every metered call will fail; that is the one
	// condition a load balancer should route away from.
	if h.backend != nil {
		if h.backend.Alive() {
			checks["backend"] = "ok"
		} else {
			checks["backend"] = "down"
			healthy = false
		}
	} else {
		checks["backend"] = "not configured"
	}

	// Audit channel nearly full means the persistence worker is behind and
	// events are about to drop.
	if h.audits != nil {
		depth := h.audits.ChannelDepth()
		capacity := h.audits.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.audits.DroppedEvents(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	// Queue census is informational: dead letters need an operator, but the
	// gateway itself keeps serving.
	if h.queue != nil {
		d := h.queue.Depth()
		checks["webhooks"] = fmt.Sprintf("ok: %d pending, %d dead", d.Pending+d.InFlight, d.Dead)
	} else {
		checks["webhooks"] = "not configured"
	}

	if h.meter != nil {
		checks["usage_events"] = fmt.Sprintf("%d buffered", h.meter.Len())
	} else {
		checks["usage_events"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler is the fallback when no checker is configured: the process
// answering at all is the whole check.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy"})
	})
}
