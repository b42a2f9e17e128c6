// Package admin implements the operator REST surface: key and group
// lifecycle, usage and audit queries, webhook filter administration, signing
// and IP controls, and runtime switches. Every route requires the
// X-Admin-Key credential; the handler mounts under /admin/ on the gateway
// transport.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/signing"
	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/service"
)

// BuildInfo holds build-time version information, injected from cmd to
// avoid an import cycle.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Handler serves the admin API. Every dependency is optional: routes whose
// component is absent answer 503 so a partially wired deployment degrades
// loudly instead of panicking.
type Handler struct {
	guard   Guard
	keys    *key.Store
	groups  *group.Manager
	meter   *usage.Meter
	audits  *service.AuditService
	filters *webhook.Registry
	queue   *webhook.Queue
	signer  *signing.Verifier
	blocks  *ipaccess.Controller
	maint   *service.Maintenance
	scanner *service.ExpiryScanner
	reload  func() error

	build     BuildInfo
	logger    *slog.Logger
	startTime time.Time
	rateLimit int
	nowFn     func() time.Time
}

// Option configures a Handler dependency.
type Option func(*Handler)

// WithKeys sets the API-key store.
func WithKeys(s *key.Store) Option {
	return func(h *Handler) { h.keys = s }
}

// WithGroups sets the group manager.
func WithGroups(m *group.Manager) Option {
	return func(h *Handler) { h.groups = m }
}

// WithUsage sets the usage meter backing the query endpoints.
func WithUsage(m *usage.Meter) Option {
	return func(h *Handler) { h.meter = m }
}

// WithAudits sets the audit service. Admin mutations are recorded through
// it and GET /admin/audit reads from it.
func WithAudits(s *service.AuditService) Option {
	return func(h *Handler) { h.audits = s }
}

// WithWebhooks sets the filter registry and delivery queue. Admin-originated
// events (key.created, key.revoked) publish through the same pair the
// dispatcher uses.
func WithWebhooks(filters *webhook.Registry, queue *webhook.Queue) Option {
	return func(h *Handler) {
		h.filters = filters
		h.queue = queue
	}
}

// WithSigning sets the request-signing secret table.
func WithSigning(v *signing.Verifier) Option {
	return func(h *Handler) { h.signer = v }
}

// WithIPControl sets the IP block controller.
func WithIPControl(c *ipaccess.Controller) Option {
	return func(h *Handler) { h.blocks = c }
}

// WithMaintenance sets the maintenance switch driven by POST /admin/maintenance.
func WithMaintenance(m *service.Maintenance) Option {
	return func(h *Handler) { h.maint = m }
}

// WithExpiryScanner sets the scanner behind the expiry endpoints.
func WithExpiryScanner(s *service.ExpiryScanner) Option {
	return func(h *Handler) { h.scanner = s }
}

// WithReloader sets the config reload hook invoked by POST /admin/reload.
func WithReloader(fn func() error) Option {
	return func(h *Handler) { h.reload = fn }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info BuildInfo) Option {
	return func(h *Handler) { h.build = info }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRateLimit overrides the per-IP request budget per minute.
func WithRateLimit(perMin int) Option {
	return func(h *Handler) {
		if perMin > 0 {
			h.rateLimit = perMin
		}
	}
}

// NewHandler creates the admin handler. The guard is mandatory; everything
// else arrives through options.
func NewHandler(guard Guard, opts ...Option) *Handler {
	h := &Handler{
		guard:     guard,
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
		rateLimit: DefaultRateLimit,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the admin surface with auth and per-IP throttling applied.
// The rate limiter sits outermost so credential guessing is slowed before
// the (deliberately expensive) hash comparison runs.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Key lifecycle.
	mux.HandleFunc("POST /admin/keys", h.handleCreateKey)
	mux.HandleFunc("GET /admin/keys", h.handleListKeys)
	mux.HandleFunc("POST /admin/keys/bulk", h.handleBulkCreateKeys)
	mux.HandleFunc("GET /admin/keys/{id}", h.handleGetKey)
	mux.HandleFunc("DELETE /admin/keys/{id}", h.handleRevokeKey)
	mux.HandleFunc("POST /admin/keys/{id}/topup", h.handleTopUpKey)
	mux.HandleFunc("POST /admin/keys/{id}/suspend", h.handleSuspendKey)
	mux.HandleFunc("POST /admin/keys/{id}/resume", h.handleResumeKey)
	mux.HandleFunc("POST /admin/keys/{id}/expiry", h.handleSetKeyExpiry)
	mux.HandleFunc("POST /admin/keys/{id}/rotate", h.handleRotateKey)
	mux.HandleFunc("POST /admin/keys/{id}/tags", h.handleSetKeyTags)
	mux.HandleFunc("PUT /admin/keys/{id}/policy", h.handleUpdateKeyPolicy)
	mux.HandleFunc("GET /admin/namespaces", h.handleListNamespaces)

	// Groups.
	mux.HandleFunc("POST /admin/groups", h.handleCreateGroup)
	mux.HandleFunc("GET /admin/groups", h.handleListGroups)
	mux.HandleFunc("GET /admin/groups/{id}", h.handleGetGroup)
	mux.HandleFunc("DELETE /admin/groups/{id}", h.handleDeleteGroup)
	mux.HandleFunc("POST /admin/groups/{id}/assign", h.handleAssignGroup)
	mux.HandleFunc("POST /admin/groups/{id}/unassign", h.handleUnassignGroup)

	// Usage and audit queries.
	mux.HandleFunc("GET /admin/usage", h.handleUsageEvents)
	mux.HandleFunc("GET /admin/usage/summary", h.handleUsageSummary)
	mux.HandleFunc("GET /admin/audit", h.handleAuditEvents)

	// Webhook filters and the dead-letter partition.
	mux.HandleFunc("POST /admin/webhooks/filters", h.handleCreateFilter)
	mux.HandleFunc("GET /admin/webhooks/filters", h.handleListFilters)
	mux.HandleFunc("GET /admin/webhooks/filters/{id}", h.handleGetFilter)
	mux.HandleFunc("PUT /admin/webhooks/filters/{id}", h.handleUpdateFilter)
	mux.HandleFunc("DELETE /admin/webhooks/filters/{id}", h.handleDeleteFilter)
	mux.HandleFunc("GET /admin/webhooks/dead-letter", h.handleDeadLetters)
	mux.HandleFunc("POST /admin/webhooks/retry/{id}", h.handleRetryDead)
	mux.HandleFunc("DELETE /admin/webhooks/dead-letter/{id}", h.handleDropDead)

	// Request signing.
	mux.HandleFunc("POST /admin/signing/{id}", h.handleRegisterSigning)
	mux.HandleFunc("DELETE /admin/signing/{id}", h.handleRemoveSigning)

	// IP blocks.
	mux.HandleFunc("POST /admin/ip/blocks", h.handleBlockIP)
	mux.HandleFunc("GET /admin/ip/blocks", h.handleListBlocks)
	mux.HandleFunc("DELETE /admin/ip/blocks/{ip}", h.handleUnblockIP)

	// Runtime switches and system state.
	mux.HandleFunc("POST /admin/maintenance", h.handleMaintenance)
	mux.HandleFunc("POST /admin/reload", h.handleReload)
	mux.HandleFunc("POST /admin/expiry/scan", h.handleExpiryScan)
	mux.HandleFunc("POST /admin/expiry/clear-notified", h.handleClearNotified)
	mux.HandleFunc("GET /admin/system", h.handleSystemInfo)

	return rateLimitMiddleware(h.rateLimit, time.Minute, h.authMiddleware(mux))
}

// respondJSON writes data with the given status.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes {"error": message} with the given status.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the curated sentinel families onto statuses.
// Anything unrecognized is logged in full and sanitized to a 500 so internal
// detail never reaches the wire.
func (h *Handler) respondDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, key.ErrKeyNotFound),
		errors.Is(err, group.ErrGroupNotFound),
		errors.Is(err, webhook.ErrFilterNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, key.ErrAliasTaken),
		errors.Is(err, group.ErrNameTaken),
		errors.Is(err, key.ErrKeyRevoked):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, key.ErrInvalidParams),
		errors.Is(err, group.ErrInvalidParams),
		errors.Is(err, webhook.ErrInvalidFilter):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("admin operation failed", "op", op, "error", err)
		h.respondError(w, http.StatusInternalServerError, op+" failed")
	}
}

// readJSON decodes the request body into v.
func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParam extracts a named path parameter (Go 1.22 mux patterns).
func (h *Handler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// audit records an administrative action when the audit service is wired.
func (h *Handler) audit(eventType, message string, metadata map[string]any) {
	if h.audits == nil {
		return
	}
	h.audits.Record(eventType, "admin", message, metadata)
}

// publish offers an admin-originated event to the webhook pipeline. A nil
// registry or queue (webhooks disabled) makes this a no-op; queue-full drops
// are logged by the queue itself.
func (h *Handler) publish(ev webhook.Event) {
	if h.filters == nil || h.queue == nil {
		return
	}
	matches := h.filters.Match(ev)
	if len(matches) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to serialize webhook event", "type", ev.Type, "error", err)
		return
	}
	for _, f := range matches {
		if _, err := h.queue.EnqueueSigned(f.URL, ev.Type, payload, 0, f.Secret); err != nil {
			h.logger.Warn("webhook enqueue failed",
				"type", ev.Type, "filter", f.ID, "error", err)
		}
	}
}
