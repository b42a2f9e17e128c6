package admin

import (
	"net/http"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

func (h *Handler) webhooksReady(w http.ResponseWriter) bool {
	if h.filters == nil || h.queue == nil {
		h.respondError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return false
	}
	return true
}

// handleCreateFilter registers a delivery filter. The expression, when
// present, is compiled here so syntax errors surface to the caller.
// POST /admin/webhooks/filters
func (h *Handler) handleCreateFilter(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	var params webhook.FilterParams
	if err := h.readJSON(r, &params); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	f, err := h.filters.Add(params)
	if err != nil {
		h.respondDomainError(w, "create webhook filter", err)
		return
	}

	h.audit(audit.EventFilterCreated, "webhook filter created", map[string]any{
		"filterId": f.ID,
		"url":      f.URL,
		"events":   f.Events,
	})
	h.respondJSON(w, http.StatusCreated, f)
}

// handleListFilters returns all filters, newest first.
// GET /admin/webhooks/filters
func (h *Handler) handleListFilters(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	h.respondJSON(w, http.StatusOK, h.filters.List())
}

// handleGetFilter returns one filter by id.
// GET /admin/webhooks/filters/{id}
func (h *Handler) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	f, ok := h.filters.Get(h.pathParam(r, "id"))
	if !ok {
		h.respondError(w, http.StatusNotFound, webhook.ErrFilterNotFound.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, f)
}

// handleUpdateFilter replaces the mutable fields of a filter. Empty body
// fields keep their current values.
// PUT /admin/webhooks/filters/{id}
func (h *Handler) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	var params webhook.FilterParams
	if err := h.readJSON(r, &params); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := h.pathParam(r, "id")
	f, err := h.filters.Update(id, params)
	if err != nil {
		h.respondDomainError(w, "update webhook filter", err)
		return
	}

	h.audit(audit.EventFilterUpdated, "webhook filter updated", map[string]any{
		"filterId": f.ID,
		"url":      f.URL,
	})
	h.respondJSON(w, http.StatusOK, f)
}

// handleDeleteFilter removes a filter.
// DELETE /admin/webhooks/filters/{id}
func (h *Handler) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	if !h.filters.Remove(id) {
		h.respondError(w, http.StatusNotFound, webhook.ErrFilterNotFound.Error())
		return
	}
	h.audit(audit.EventFilterDeleted, "webhook filter deleted", map[string]any{
		"filterId": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleDeadLetters lists deliveries whose attempt budget is spent.
// GET /admin/webhooks/dead-letter
func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	h.respondJSON(w, http.StatusOK, h.queue.DeadLetters())
}

// handleRetryDead moves a dead letter back to the pending partition with a
// fresh attempt budget.
// POST /admin/webhooks/retry/{id}
func (h *Handler) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	entry, ok := h.queue.RetryDead(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

// handleDropDead discards a dead letter permanently.
// DELETE /admin/webhooks/dead-letter/{id}
func (h *Handler) handleDropDead(w http.ResponseWriter, r *http.Request) {
	if !h.webhooksReady(w) {
		return
	}
	if !h.queue.DropDead(h.pathParam(r, "id")) {
		h.respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
