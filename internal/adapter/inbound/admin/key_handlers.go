package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

// maxBulkItems caps one bulk creation request.
const maxBulkItems = 100

// createKeyRequest is the JSON body for key creation. Group accepts either
// a group id or its unique name.
type createKeyRequest struct {
	Name             string            `json:"name"`
	Credits          int64             `json:"credits"`
	ExpiresAt        *time.Time        `json:"expiresAt"`
	SpendingLimit    int64             `json:"spendingLimit"`
	AllowedTools     []string          `json:"allowedTools"`
	DeniedTools      []string          `json:"deniedTools"`
	RateLimitPerMin  *int64            `json:"rateLimitPerMin"`
	IPAllowlist      []string          `json:"ipAllowlist"`
	Quota            *key.QuotaLimits  `json:"quota"`
	Tags             map[string]string `json:"tags"`
	Group            string            `json:"group"`
	Namespace        string            `json:"namespace"`
	AllowedCountries []string          `json:"allowedCountries"`
	BlockedCountries []string          `json:"blockedCountries"`
	AutoTopup        *key.AutoTopup    `json:"autoTopup"`
}

// listKeysResponse pages the masked listing.
type listKeysResponse struct {
	Keys  []key.Masked `json:"keys"`
	Total int          `json:"total"`
}

func (h *Handler) keysReady(w http.ResponseWriter) bool {
	if h.keys == nil {
		h.respondError(w, http.StatusServiceUnavailable, "key store not configured")
		return false
	}
	return true
}

// handleCreateKey mints one key. The full credential appears in this
// response exactly once and is never logged or audited in clear.
// POST /admin/keys
func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	var req createKeyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.createKey(req)
	if err != nil {
		h.respondDomainError(w, "create key", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, rec)
}

// handleBulkCreateKeys mints up to maxBulkItems keys in one call. Creation
// is sequential; on the first failure the response names the offending item
// and reports how many earlier items already exist.
// POST /admin/keys/bulk
func (h *Handler) handleBulkCreateKeys(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	var req struct {
		Items []createKeyRequest `json:"items"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		h.respondError(w, http.StatusBadRequest, "items is required")
		return
	}
	if len(req.Items) > maxBulkItems {
		h.respondError(w, http.StatusBadRequest,
			fmt.Sprintf("bulk limit is %d items", maxBulkItems))
		return
	}

	created := make([]*key.Record, 0, len(req.Items))
	for i, item := range req.Items {
		rec, err := h.createKey(item)
		if err != nil {
			h.respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":   fmt.Sprintf("item %d: %v", i, err),
				"created": len(created),
			})
			return
		}
		created = append(created, rec)
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// createKey runs one creation: group resolution, store write, audit entry,
// webhook event.
func (h *Handler) createKey(req createKeyRequest) (*key.Record, error) {
	params := key.CreateParams{
		Name:             req.Name,
		Credits:          req.Credits,
		ExpiresAt:        req.ExpiresAt,
		SpendingLimit:    req.SpendingLimit,
		AllowedTools:     req.AllowedTools,
		DeniedTools:      req.DeniedTools,
		RateLimitPerMin:  req.RateLimitPerMin,
		IPAllowlist:      req.IPAllowlist,
		Quota:            req.Quota,
		Tags:             req.Tags,
		Namespace:        req.Namespace,
		AllowedCountries: req.AllowedCountries,
		BlockedCountries: req.BlockedCountries,
		AutoTopup:        req.AutoTopup,
	}
	if req.Group != "" {
		g, err := h.resolveGroup(req.Group)
		if err != nil {
			return nil, err
		}
		params.GroupID = g.ID
		// Members inherit the group's starting balance unless the request
		// names one.
		if params.Credits == 0 && g.DefaultCredits > 0 {
			params.Credits = g.DefaultCredits
		}
	}

	rec, err := h.keys.Create(params)
	if err != nil {
		return nil, err
	}

	h.audit(audit.EventKeyCreated, "api key created", map[string]any{
		"keyPrefix": key.MaskKey(rec.Key),
		"name":      rec.Name,
		"namespace": rec.Namespace,
		"credits":   rec.Credits,
	})
	h.publish(webhook.Event{
		Type:      webhook.EventKeyCreated,
		Timestamp: h.nowFn(),
		KeyPrefix: key.MaskKey(rec.Key),
		KeyName:   rec.Name,
		Namespace: rec.Namespace,
		Credits:   rec.Credits,
	})
	return rec, nil
}

// resolveGroup accepts a group id or unique name.
func (h *Handler) resolveGroup(ref string) (*group.Group, error) {
	if h.groups == nil {
		return nil, group.ErrGroupNotFound
	}
	if g, err := h.groups.Get(ref); err == nil {
		return g, nil
	}
	return h.groups.GetByName(ref)
}

// handleListKeys returns the masked listing with filter and pagination.
// GET /admin/keys?namespace=&group=&state=&limit=&offset=
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	q := r.URL.Query()

	state := q.Get("state")
	switch state {
	case "", key.StateActive, key.StateSuspended, key.StateRevoked, key.StateExpired, key.StateInactive:
	default:
		h.respondError(w, http.StatusBadRequest, "unknown state filter")
		return
	}

	f := key.ListFilter{
		Namespace: q.Get("namespace"),
		GroupID:   q.Get("group"),
		State:     state,
		Limit:     parseBoundedInt(q.Get("limit"), defaultQueryLimit, maxQueryLimit),
		Offset:    parseBoundedInt(q.Get("offset"), 0, 1<<31-1),
	}

	keys, total := h.keys.List(f)
	h.respondJSON(w, http.StatusOK, listKeysResponse{Keys: keys, Total: total})
}

// handleGetKey returns the full record, terminal states included.
// GET /admin/keys/{id}
func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	rec, err := h.keys.GetRaw(h.pathParam(r, "id"))
	if err != nil {
		h.respondDomainError(w, "get key", err)
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

// handleRevokeKey terminates a key. Revocation is idempotent.
// DELETE /admin/keys/{id}
func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	if err := h.keys.Revoke(id); err != nil {
		h.respondDomainError(w, "revoke key", err)
		return
	}

	masked := key.MaskKey(id)
	meta := map[string]any{"keyPrefix": masked}
	ev := webhook.Event{
		Type:      webhook.EventKeyRevoked,
		Timestamp: h.nowFn(),
		KeyPrefix: masked,
	}
	if rec, err := h.keys.GetRaw(id); err == nil {
		meta["name"] = rec.Name
		ev.KeyName = rec.Name
		ev.Namespace = rec.Namespace
	}
	h.audit(audit.EventKeyRevoked, "api key revoked", meta)
	h.publish(ev)

	w.WriteHeader(http.StatusNoContent)
}

// handleTopUpKey adds credits and returns the new balance.
// POST /admin/keys/{id}/topup
func (h *Handler) handleTopUpKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	var req struct {
		Credits int64 `json:"credits"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Credits <= 0 {
		h.respondError(w, http.StatusBadRequest, "credits must be positive")
		return
	}

	id := h.pathParam(r, "id")
	total, err := h.keys.AddCredits(id, req.Credits)
	if err != nil {
		h.respondDomainError(w, "top up key", err)
		return
	}

	h.audit(audit.EventKeyTopUp, "credits added", map[string]any{
		"keyPrefix": key.MaskKey(id),
		"added":     req.Credits,
		"balance":   total,
	})
	h.respondJSON(w, http.StatusOK, map[string]int64{"credits": total})
}

// handleSuspendKey pauses a key without losing its balance.
// POST /admin/keys/{id}/suspend
func (h *Handler) handleSuspendKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	if err := h.keys.Suspend(id); err != nil {
		h.respondDomainError(w, "suspend key", err)
		return
	}
	h.audit(audit.EventKeySuspended, "api key suspended", map[string]any{
		"keyPrefix": key.MaskKey(id),
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleResumeKey lifts a suspension.
// POST /admin/keys/{id}/resume
func (h *Handler) handleResumeKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	if err := h.keys.Resume(id); err != nil {
		h.respondDomainError(w, "resume key", err)
		return
	}
	h.audit(audit.EventKeyResumed, "api key resumed", map[string]any{
		"keyPrefix": key.MaskKey(id),
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleSetKeyExpiry replaces the expiry instant; a null expiresAt clears
// it. Moving the instant forward revives an expired (not revoked) key.
// POST /admin/keys/{id}/expiry
func (h *Handler) handleSetKeyExpiry(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	var req struct {
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := h.pathParam(r, "id")
	if err := h.keys.SetExpiry(id, req.ExpiresAt); err != nil {
		h.respondDomainError(w, "set key expiry", err)
		return
	}

	meta := map[string]any{"keyPrefix": key.MaskKey(id)}
	if req.ExpiresAt != nil {
		meta["expiresAt"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	} else {
		meta["expiresAt"] = "cleared"
	}
	h.audit(audit.EventKeyExpirySet, "api key expiry set", meta)
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateKey mints a fresh credential for the record; the old one
// stops resolving immediately. The new credential appears in this response
// exactly once.
// POST /admin/keys/{id}/rotate
func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	id := h.pathParam(r, "id")
	rec, err := h.keys.RotateKey(id)
	if err != nil {
		h.respondDomainError(w, "rotate key", err)
		return
	}

	oldPrefix := key.MaskKey(id)
	newPrefix := key.MaskKey(rec.Key)
	h.audit(audit.EventKeyRotated, "api key rotated", map[string]any{
		"oldPrefix": oldPrefix,
		"newPrefix": newPrefix,
	})
	h.publish(webhook.Event{
		Type:      webhook.EventKeyCreated,
		Timestamp: h.nowFn(),
		KeyPrefix: newPrefix,
		KeyName:   rec.Name,
		Namespace: rec.Namespace,
		Detail:    map[string]any{"rotatedFrom": oldPrefix},
	})
	h.respondJSON(w, http.StatusOK, rec)
}

// handleSetKeyTags replaces the tag map wholesale.
// POST /admin/keys/{id}/tags
func (h *Handler) handleSetKeyTags(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	var req struct {
		Tags map[string]string `json:"tags"`
	}
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := h.pathParam(r, "id")
	if err := h.keys.SetTags(id, req.Tags); err != nil {
		h.respondDomainError(w, "set key tags", err)
		return
	}
	h.audit(audit.EventKeyTagged, "api key tags set", map[string]any{
		"keyPrefix": key.MaskKey(id),
		"tagCount":  len(req.Tags),
	})
	w.WriteHeader(http.StatusNoContent)
}

// updatePolicyRequest mirrors the store's policy fields. Absent fields keep
// their current values; a zero rateLimitPerMin or zero-value quota clears
// the respective override.
type updatePolicyRequest struct {
	Name             *string          `json:"name"`
	SpendingLimit    *int64           `json:"spendingLimit"`
	AllowedTools     []string         `json:"allowedTools"`
	DeniedTools      []string         `json:"deniedTools"`
	RateLimitPerMin  *int64           `json:"rateLimitPerMin"`
	IPAllowlist      []string         `json:"ipAllowlist"`
	Quota            *key.QuotaLimits `json:"quota"`
	AllowedCountries []string         `json:"allowedCountries"`
	BlockedCountries []string         `json:"blockedCountries"`
	AutoTopup        *key.AutoTopup   `json:"autoTopup"`
}

// handleUpdateKeyPolicy rewrites the key's policy overrides.
// PUT /admin/keys/{id}/policy
func (h *Handler) handleUpdateKeyPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	var req updatePolicyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := h.pathParam(r, "id")
	err := h.keys.UpdatePolicy(id, key.PolicyParams{
		Name:             req.Name,
		SpendingLimit:    req.SpendingLimit,
		AllowedTools:     req.AllowedTools,
		DeniedTools:      req.DeniedTools,
		RateLimitPerMin:  req.RateLimitPerMin,
		IPAllowlist:      req.IPAllowlist,
		Quota:            req.Quota,
		AllowedCountries: req.AllowedCountries,
		BlockedCountries: req.BlockedCountries,
		AutoTopup:        req.AutoTopup,
	})
	if err != nil {
		h.respondDomainError(w, "update key policy", err)
		return
	}

	h.audit(audit.EventKeyPolicyUpdated, "api key policy updated", map[string]any{
		"keyPrefix": key.MaskKey(id),
	})
	rec, err := h.keys.GetRaw(id)
	if err != nil {
		h.respondDomainError(w, "update key policy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

// handleListNamespaces aggregates per-tenant key statistics.
// GET /admin/namespaces
func (h *Handler) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	if !h.keysReady(w) {
		return
	}
	h.respondJSON(w, http.StatusOK, h.keys.Namespaces())
}

// Query paging bounds shared by the list endpoints.
const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// parseBoundedInt parses a non-negative query integer with a default and a
// cap. Malformed or negative input falls back to the default.
func parseBoundedInt(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
