// Package group implements key groups: named policy templates whose members
// inherit tool ACLs, rate limits, pricing, and quota defaults. Resolution of
// group defaults against key overrides is deterministic per field.
package group

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/key"
)

// GroupPrefix is the fixed prefix of every group identifier.
const GroupPrefix = "grp_"

// groupRandomBytes is the entropy of a generated identifier (16 hex chars).
const groupRandomBytes = 8

// Error types for group operations.
var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNameTaken     = errors.New("group name already in use")
	ErrInvalidParams = errors.New("invalid group parameters")
)

// ToolPricing is a per-tool pricing override carried by a group.
type ToolPricing struct {
	CreditsPerCall int64 `json:"creditsPerCall"`
}

// Group is one policy template. Keys reference a group by identifier only;
// deleting a group leaves member records intact and their binding is
// cleared lazily on the next resolution.
type Group struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	AllowedTools     []string               `json:"allowedTools,omitempty"`
	DeniedTools      []string               `json:"deniedTools,omitempty"`
	RateLimitPerMin  int64                  `json:"rateLimitPerMin"`
	ToolPricing      map[string]ToolPricing `json:"toolPricing,omitempty"`
	Quota            *key.QuotaLimits       `json:"quota,omitempty"`
	IPAllowlist      []string               `json:"ipAllowlist,omitempty"`
	DefaultCredits   int64                  `json:"defaultCredits"`
	MaxSpendingLimit int64                  `json:"maxSpendingLimit"`
	Tags             map[string]string      `json:"tags,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

func (g *Group) clone() *Group {
	c := *g
	c.AllowedTools = cloneSlice(g.AllowedTools)
	c.DeniedTools = cloneSlice(g.DeniedTools)
	c.IPAllowlist = cloneSlice(g.IPAllowlist)
	if g.Quota != nil {
		q := *g.Quota
		c.Quota = &q
	}
	if g.ToolPricing != nil {
		c.ToolPricing = make(map[string]ToolPricing, len(g.ToolPricing))
		for k, v := range g.ToolPricing {
			c.ToolPricing[k] = v
		}
	}
	if g.Tags != nil {
		c.Tags = make(map[string]string, len(g.Tags))
		for k, v := range g.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// CreateParams are the caller-supplied fields for a new group.
type CreateParams struct {
	Name             string
	Description      string
	AllowedTools     []string
	DeniedTools      []string
	RateLimitPerMin  int64
	ToolPricing      map[string]ToolPricing
	Quota            *key.QuotaLimits
	IPAllowlist      []string
	DefaultCredits   int64
	MaxSpendingLimit int64
	Tags             map[string]string
}

// Policy is the effective per-call policy after merging group defaults with
// key overrides. Zero values mean "fall through to server config".
type Policy struct {
	AllowedTools    []string
	DeniedTools     []string
	RateLimitPerMin int64
	Quota           *key.QuotaLimits
	IPAllowlist     []string
	ToolPricing     map[string]ToolPricing
	SpendingLimit   int64
	GroupID         string
	GroupName       string
}

// Persister saves the group table. Called outside the manager's lock.
type Persister interface {
	PersistGroups(groups []Group) error
}

// Manager is the authoritative in-memory group table.
type Manager struct {
	mu      sync.RWMutex
	groups  map[string]*Group
	names   map[string]string // name -> group id
	persist Persister
	logger  *slog.Logger
	nowFn   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersister wires the snapshot sink called after every mutation.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persist = p }
}

// NewManager creates an empty group manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		groups: make(map[string]*Group),
		names:  make(map[string]string),
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load seeds the manager from persisted groups, skipping invalid entries.
func (m *Manager) Load(groups []Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range groups {
		g := groups[i]
		if !strings.HasPrefix(g.ID, GroupPrefix) || g.Name == "" {
			m.logger.Warn("skipping group with invalid identity", "id", g.ID)
			continue
		}
		if _, taken := m.names[g.Name]; taken {
			m.logger.Warn("duplicate group name on load, skipping", "name", g.Name)
			continue
		}
		m.groups[g.ID] = g.clone()
		m.names[g.Name] = g.ID
	}
}

// Export returns a copy of every group for snapshotting, sorted by id.
func (m *Manager) Export() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) snapshot() {
	if m.persist == nil {
		return
	}
	if err := m.persist.PersistGroups(m.Export()); err != nil {
		m.logger.Error("group snapshot failed, continuing in memory", "error", err)
	}
}

// Create allocates a fresh identifier and stores the group.
func (m *Manager) Create(p CreateParams) (*Group, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidParams)
	}
	if p.DefaultCredits < 0 || p.MaxSpendingLimit < 0 || p.RateLimitPerMin < 0 {
		return nil, fmt.Errorf("%w: numeric fields must be non-negative", ErrInvalidParams)
	}

	id, err := generateGroupID()
	if err != nil {
		return nil, err
	}
	now := m.nowFn()
	g := &Group{
		ID:               id,
		Name:             p.Name,
		Description:      p.Description,
		AllowedTools:     cloneSlice(p.AllowedTools),
		DeniedTools:      cloneSlice(p.DeniedTools),
		RateLimitPerMin:  p.RateLimitPerMin,
		Quota:            p.Quota,
		IPAllowlist:      cloneSlice(p.IPAllowlist),
		DefaultCredits:   p.DefaultCredits,
		MaxSpendingLimit: p.MaxSpendingLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.ToolPricing != nil {
		g.ToolPricing = make(map[string]ToolPricing, len(p.ToolPricing))
		for k, v := range p.ToolPricing {
			if v.CreditsPerCall < 0 {
				return nil, fmt.Errorf("%w: tool pricing must be non-negative", ErrInvalidParams)
			}
			g.ToolPricing[k] = v
		}
	}
	if p.Tags != nil {
		g.Tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			g.Tags[k] = v
		}
	}

	m.mu.Lock()
	if _, taken := m.names[g.Name]; taken {
		m.mu.Unlock()
		return nil, ErrNameTaken
	}
	m.groups[g.ID] = g
	m.names[g.Name] = g.ID
	out := g.clone()
	m.mu.Unlock()

	m.snapshot()
	return out, nil
}

// Get returns a copy of the group.
func (m *Manager) Get(id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g.clone(), nil
}

// GetByName resolves a group by its unique name.
func (m *Manager) GetByName(name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return m.groups[id].clone(), nil
}

// List returns all groups sorted by creation time, newest first.
func (m *Manager) List() []Group {
	m.mu.RLock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes the group. Member keys keep their binding; it is cleared
// lazily the next time their policy is resolved.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	delete(m.names, g.Name)
	delete(m.groups, id)
	m.mu.Unlock()

	m.snapshot()
	return nil
}

// Count returns the number of groups.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Resolve merges group defaults with the record's overrides. The detached
// return is true when the record references a group that no longer exists;
// the caller should clear the binding.
//
// Merge rules per field:
//   - allowedTools: key wins iff non-empty, else group
//   - deniedTools: union of both
//   - rateLimitPerMin: group value for members (0 = server global),
//     key override otherwise
//   - quota: key wins iff present, else group
//   - ipAllowlist: union of both
//   - toolPricing: the group map is the effective base
//   - spending limit: group cap is authoritative when set
func (m *Manager) Resolve(rec *key.Record) (Policy, bool) {
	pol := Policy{
		AllowedTools:  cloneSlice(rec.AllowedTools),
		DeniedTools:   cloneSlice(rec.DeniedTools),
		Quota:         rec.Quota,
		IPAllowlist:   cloneSlice(rec.IPAllowlist),
		SpendingLimit: rec.SpendingLimit,
	}
	if rec.RateLimitPerMin != nil {
		pol.RateLimitPerMin = *rec.RateLimitPerMin
	}
	if rec.GroupID == "" {
		return pol, false
	}

	m.mu.RLock()
	g, ok := m.groups[rec.GroupID]
	if !ok {
		m.mu.RUnlock()
		return pol, true
	}
	g = g.clone()
	m.mu.RUnlock()

	pol.GroupID = g.ID
	pol.GroupName = g.Name

	if len(pol.AllowedTools) == 0 {
		pol.AllowedTools = g.AllowedTools
	}
	pol.DeniedTools = union(g.DeniedTools, rec.DeniedTools)
	pol.RateLimitPerMin = g.RateLimitPerMin
	if pol.Quota == nil {
		pol.Quota = g.Quota
	}
	pol.IPAllowlist = union(g.IPAllowlist, rec.IPAllowlist)
	pol.ToolPricing = g.ToolPricing
	if g.MaxSpendingLimit > 0 {
		pol.SpendingLimit = g.MaxSpendingLimit
	}
	return pol, false
}

// union merges two string sets preserving first-seen order.
func union(a, b []string) []string {
	if len(a) == 0 {
		return cloneSlice(b)
	}
	if len(b) == 0 {
		return cloneSlice(a)
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// generateGroupID mints a fresh identifier: "grp_" + 16 hex chars.
func generateGroupID() (string, error) {
	buf := make([]byte, groupRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate group id: %w", err)
	}
	return GroupPrefix + hex.EncodeToString(buf), nil
}
