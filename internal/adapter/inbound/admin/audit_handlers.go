package admin

import (
	"net/http"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

// handleAuditEvents returns recent audit entries, newest first.
// GET /admin/audit?type=&actor=&since=&limit=
func (h *Handler) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audits == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Type:  q.Get("type"),
		Actor: q.Get("actor"),
		Limit: parseBoundedInt(q.Get("limit"), defaultQueryLimit, maxQueryLimit),
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t.UTC()
	}

	h.respondJSON(w, http.StatusOK, h.audits.Recent(f))
}
