package admin

import (
	"net/http"
	"runtime"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

// systemInfoResponse is the JSON shape of GET /admin/system.
type systemInfoResponse struct {
	Version    string         `json:"version"`
	Commit     string         `json:"commit"`
	BuildDate  string         `json:"buildDate"`
	GoVersion  string         `json:"goVersion"`
	OS         string         `json:"os"`
	Arch       string         `json:"arch"`
	Uptime     string         `json:"uptime"`
	UptimeSec  int64          `json:"uptimeSeconds"`
	Components map[string]any `json:"components"`
}

// handleSystemInfo reports build identity, uptime, and a census of every
// wired component.
// GET /admin/system
func (h *Handler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	version, commit, buildDate := h.build.Version, h.build.Commit, h.build.BuildDate
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "none"
	}
	if buildDate == "" {
		buildDate = "unknown"
	}

	components := make(map[string]any)
	if h.keys != nil {
		components["keys"] = h.keys.Count()
	}
	if h.groups != nil {
		components["groups"] = h.groups.Count()
	}
	if h.meter != nil {
		components["usageEvents"] = h.meter.Len()
	}
	if h.audits != nil {
		components["auditQueueDepth"] = h.audits.ChannelDepth()
		components["auditDropped"] = h.audits.DroppedEvents()
	}
	if h.filters != nil {
		components["webhookFilters"] = h.filters.Count()
	}
	if h.queue != nil {
		depth := h.queue.Depth()
		components["webhookPending"] = depth.Pending + depth.InFlight
		components["webhookDead"] = depth.Dead
		components["webhookDelivered"] = depth.Delivered
	}
	if h.signer != nil {
		components["signingNonces"] = h.signer.NonceCount()
	}
	if h.blocks != nil {
		components["ipBlocks"] = len(h.blocks.Blocks())
	}
	if h.maint != nil {
		components["maintenance"] = h.maint.On()
	}
	components["goroutines"] = runtime.NumGoroutine()

	h.respondJSON(w, http.StatusOK, systemInfoResponse{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Uptime:     uptime.Truncate(time.Second).String(),
		UptimeSec:  int64(uptime.Seconds()),
		Components: components,
	})
}

// handleMaintenance flips the maintenance switch. While on, the metered
// endpoint answers 503 with Retry-After; health, metrics, and this surface
// stay reachable.
// POST /admin/maintenance
func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.maint == nil {
		h.respondError(w, http.StatusServiceUnavailable, "maintenance switch not configured")
		return
	}
	var req struct {
		On         bool   `json:"on"`
		RetryAfter string `json:"retryAfter"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var retryAfter time.Duration
	if req.RetryAfter != "" {
		parsed, err := time.ParseDuration(req.RetryAfter)
		if err != nil || parsed < 0 {
			h.respondError(w, http.StatusBadRequest, "retryAfter must be a non-negative Go duration")
			return
		}
		retryAfter = parsed
	}

	h.maint.Set(req.On, retryAfter)

	evType := audit.EventMaintenanceOff
	msg := "maintenance mode disabled"
	if req.On {
		evType = audit.EventMaintenanceOn
		msg = "maintenance mode enabled"
	}
	h.audit(evType, msg, map[string]any{"retryAfter": retryAfter.String()})
	h.respondJSON(w, http.StatusOK, map[string]bool{"maintenance": req.On})
}

// handleReload re-reads the reloadable configuration fields. The hook comes
// from the boot sequence; deployments without a config file do not wire it.
// POST /admin/reload
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.respondError(w, http.StatusServiceUnavailable, "reload not configured")
		return
	}
	if err := h.reload(); err != nil {
		h.logger.Error("config reload failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	h.audit(audit.EventConfigReloaded, "configuration reloaded", nil)
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleExpiryScan forces an expiry sweep outside the schedule.
// POST /admin/expiry/scan
func (h *Handler) handleExpiryScan(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		h.respondError(w, http.StatusServiceUnavailable, "expiry scanner not configured")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"notices": h.scanner.Scan()})
}

// handleClearNotified resets the expiry de-dup set so every warning horizon
// may fire again.
// POST /admin/expiry/clear-notified
func (h *Handler) handleClearNotified(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		h.respondError(w, http.StatusServiceUnavailable, "expiry scanner not configured")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"cleared": h.scanner.ClearNotified()})
}
