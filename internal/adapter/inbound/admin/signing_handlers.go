package admin

import (
	"net/http"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
	"github.com/paygate-mcp/paygate/internal/domain/key"
)

func (h *Handler) signingReady(w http.ResponseWriter) bool {
	if h.signer == nil {
		h.respondError(w, http.StatusServiceUnavailable, "request signing not configured")
		return false
	}
	return true
}

// handleRegisterSigning mints a signing secret for the key, replacing any
// previous one (rotation). The raw secret appears in this response exactly
// once; the audit trail records only the key prefix and label.
// POST /admin/signing/{id}
func (h *Handler) handleRegisterSigning(w http.ResponseWriter, r *http.Request) {
	if !h.signingReady(w) || !h.keysReady(w) {
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	// The body is optional; a missing or empty one means no label.
	_ = h.readJSON(r, &req)

	id := h.pathParam(r, "id")
	if _, err := h.keys.GetRaw(id); err != nil {
		h.respondDomainError(w, "register signing secret", err)
		return
	}

	secret, err := h.signer.Register(id, req.Label)
	if err != nil {
		h.respondDomainError(w, "register signing secret", err)
		return
	}

	h.audit(audit.EventSigningRegistered, "signing secret registered", map[string]any{
		"keyPrefix": key.MaskKey(id),
		"label":     req.Label,
	})
	h.respondJSON(w, http.StatusCreated, secret)
}

// handleRemoveSigning deletes the key's signing secret; its requests pass
// unverified again (signing is opt-in per key).
// DELETE /admin/signing/{id}
func (h *Handler) handleRemoveSigning(w http.ResponseWriter, r *http.Request) {
	if !h.signingReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	if !h.signer.Remove(id) {
		h.respondError(w, http.StatusNotFound, "no signing secret for key")
		return
	}
	h.audit(audit.EventSigningRemoved, "signing secret removed", map[string]any{
		"keyPrefix": key.MaskKey(id),
	})
	w.WriteHeader(http.StatusNoContent)
}
