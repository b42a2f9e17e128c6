package admin

import (
	"net/http"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/usage"
)

func (h *Handler) usageReady(w http.ResponseWriter) bool {
	if h.meter == nil {
		h.respondError(w, http.StatusServiceUnavailable, "usage meter not configured")
		return false
	}
	return true
}

// parseUsageFilter reads the shared query parameters. A malformed since is
// reported; everything else falls back silently.
func (h *Handler) parseUsageFilter(w http.ResponseWriter, r *http.Request, defLimit int) (usage.Filter, bool) {
	q := r.URL.Query()
	f := usage.Filter{
		Namespace: q.Get("namespace"),
		KeyPrefix: q.Get("keyPrefix"),
		Tool:      q.Get("tool"),
		Limit:     parseBoundedInt(q.Get("limit"), defLimit, maxQueryLimit),
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return usage.Filter{}, false
		}
		f.Since = t.UTC()
	}
	return f, true
}

// handleUsageEvents returns matching usage events, newest first.
// GET /admin/usage?since=&namespace=&keyPrefix=&tool=&limit=
func (h *Handler) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	if !h.usageReady(w) {
		return
	}
	f, ok := h.parseUsageFilter(w, r, defaultQueryLimit)
	if !ok {
		return
	}
	events := h.meter.Events(f)
	if events == nil {
		events = []usage.Event{}
	}
	h.respondJSON(w, http.StatusOK, events)
}

// handleUsageSummary returns the aggregate projection over matching events.
// The summary walks every match, so the limit parameter does not apply.
// GET /admin/usage/summary?since=&namespace=&keyPrefix=&tool=
func (h *Handler) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if !h.usageReady(w) {
		return
	}
	f, ok := h.parseUsageFilter(w, r, 0)
	if !ok {
		return
	}
	f.Limit = 0
	h.respondJSON(w, http.StatusOK, h.meter.Summary(f))
}
