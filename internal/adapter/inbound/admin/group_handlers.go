package admin

import (
	"net/http"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/key"
)

// createGroupRequest is the JSON body for group creation.
type createGroupRequest struct {
	Name             string                       `json:"name"`
	Description      string                       `json:"description"`
	AllowedTools     []string                     `json:"allowedTools"`
	DeniedTools      []string                     `json:"deniedTools"`
	RateLimitPerMin  int64                        `json:"rateLimitPerMin"`
	ToolPricing      map[string]group.ToolPricing `json:"toolPricing"`
	Quota            *key.QuotaLimits             `json:"quota"`
	IPAllowlist      []string                     `json:"ipAllowlist"`
	DefaultCredits   int64                        `json:"defaultCredits"`
	MaxSpendingLimit int64                        `json:"maxSpendingLimit"`
	Tags             map[string]string            `json:"tags"`
}

// memberRequest names the key a group membership operation applies to.
type memberRequest struct {
	Key string `json:"key"`
}

func (h *Handler) groupsReady(w http.ResponseWriter) bool {
	if h.groups == nil {
		h.respondError(w, http.StatusServiceUnavailable, "groups not configured")
		return false
	}
	return true
}

// handleCreateGroup stores a new policy template.
// POST /admin/groups
func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if !h.groupsReady(w) {
		return
	}
	var req createGroupRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := h.groups.Create(group.CreateParams{
		Name:             req.Name,
		Description:      req.Description,
		AllowedTools:     req.AllowedTools,
		DeniedTools:      req.DeniedTools,
		RateLimitPerMin:  req.RateLimitPerMin,
		ToolPricing:      req.ToolPricing,
		Quota:            req.Quota,
		IPAllowlist:      req.IPAllowlist,
		DefaultCredits:   req.DefaultCredits,
		MaxSpendingLimit: req.MaxSpendingLimit,
		Tags:             req.Tags,
	})
	if err != nil {
		h.respondDomainError(w, "create group", err)
		return
	}

	h.audit(audit.EventGroupCreated, "key group created", map[string]any{
		"groupId": g.ID,
		"name":    g.Name,
	})
	h.respondJSON(w, http.StatusCreated, g)
}

// handleListGroups returns all groups, newest first.
// GET /admin/groups
func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if !h.groupsReady(w) {
		return
	}
	h.respondJSON(w, http.StatusOK, h.groups.List())
}

// handleGetGroup returns one group by id.
// GET /admin/groups/{id}
func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	if !h.groupsReady(w) {
		return
	}
	g, err := h.groups.Get(h.pathParam(r, "id"))
	if err != nil {
		h.respondDomainError(w, "get group", err)
		return
	}
	h.respondJSON(w, http.StatusOK, g)
}

// handleDeleteGroup removes a group. Member keys keep their binding; it is
// cleared lazily on their next policy resolution.
// DELETE /admin/groups/{id}
func (h *Handler) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if !h.groupsReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	if err := h.groups.Delete(id); err != nil {
		h.respondDomainError(w, "delete group", err)
		return
	}
	h.audit(audit.EventGroupDeleted, "key group deleted", map[string]any{
		"groupId": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleAssignGroup binds a key to the group.
// POST /admin/groups/{id}/assign
func (h *Handler) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	if !h.groupsReady(w) || !h.keysReady(w) {
		return
	}
	var req memberRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" {
		h.respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	groupID := h.pathParam(r, "id")
	g, err := h.groups.Get(groupID)
	if err != nil {
		h.respondDomainError(w, "assign group", err)
		return
	}
	if err := h.keys.SetGroup(req.Key, g.ID); err != nil {
		h.respondDomainError(w, "assign group", err)
		return
	}

	h.audit(audit.EventGroupAssigned, "key assigned to group", map[string]any{
		"keyPrefix": key.MaskKey(req.Key),
		"groupId":   g.ID,
		"group":     g.Name,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleUnassignGroup clears a key's group binding. The group in the path
// is validated but the clear applies regardless of current membership, so
// the operation is idempotent.
// POST /admin/groups/{id}/unassign
func (h *Handler) handleUnassignGroup(w http.ResponseWriter, r *http.Request) {
	if !h.groupsReady(w) || !h.keysReady(w) {
		return
	}
	var req memberRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" {
		h.respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	groupID := h.pathParam(r, "id")
	if _, err := h.groups.Get(groupID); err != nil {
		h.respondDomainError(w, "unassign group", err)
		return
	}
	if err := h.keys.SetGroup(req.Key, ""); err != nil {
		h.respondDomainError(w, "unassign group", err)
		return
	}

	h.audit(audit.EventGroupAssigned, "key unassigned from group", map[string]any{
		"keyPrefix": key.MaskKey(req.Key),
		"groupId":   groupID,
	})
	w.WriteHeader(http.StatusNoContent)
}
