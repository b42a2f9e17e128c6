package admin

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

// defaultBlockDuration applies when a manual block names no duration.
const defaultBlockDuration = 24 * time.Hour

func (h *Handler) blocksReady(w http.ResponseWriter) bool {
	if h.blocks == nil {
		h.respondError(w, http.StatusServiceUnavailable, "ip control not configured")
		return false
	}
	return true
}

// handleBlockIP adds a manual block.
// POST /admin/ip/blocks
func (h *Handler) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	if !h.blocksReady(w) {
		return
	}
	var req struct {
		IP       string `json:"ip"`
		Duration string `json:"duration"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := netip.ParseAddr(req.IP); err != nil {
		h.respondError(w, http.StatusBadRequest, "ip must be a valid address")
		return
	}
	d := defaultBlockDuration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			h.respondError(w, http.StatusBadRequest, "duration must be a positive Go duration")
			return
		}
		d = parsed
	}

	block := h.blocks.BlockManually(req.IP, d)
	h.audit(audit.EventIPBlocked, "ip blocked", map[string]any{
		"ip":        block.IP,
		"expiresAt": block.ExpiresAt.Format(time.RFC3339),
	})
	h.respondJSON(w, http.StatusCreated, block)
}

// handleListBlocks returns the live block table, manual and automatic.
// GET /admin/ip/blocks
func (h *Handler) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	if !h.blocksReady(w) {
		return
	}
	h.respondJSON(w, http.StatusOK, h.blocks.Blocks())
}

// handleUnblockIP lifts a block early.
// DELETE /admin/ip/blocks/{ip}
func (h *Handler) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	if !h.blocksReady(w) {
		return
	}
	ip := h.pathParam(r, "ip")
	if !h.blocks.Unblock(ip) {
		h.respondError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	h.audit(audit.EventIPUnblocked, "ip unblocked", map[string]any{"ip": ip})
	w.WriteHeader(http.StatusNoContent)
}
