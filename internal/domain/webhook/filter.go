package webhook

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the gateway.
const (
	EventGateAllowed = "gate.allowed"
	EventGateDenied  = "gate.denied"
	EventKeyCreated  = "key.created"
	EventKeyRevoked  = "key.revoked"
	EventKeyExpiring = "key.expiring"
	EventCreditsLow  = "credits.low"
	EventCapBreached = "caps.breached"
)

var (
	ErrFilterNotFound = errors.New("webhook filter not found")
	ErrInvalidFilter  = errors.New("invalid webhook filter")
)

// Event is the notification payload offered to filters and, when one
// matches, serialized into the queued delivery.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	KeyPrefix string         `json:"keyPrefix,omitempty"`
	KeyName   string         `json:"keyName,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Credits   int64          `json:"credits,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// vars flattens the event into the variable set expression predicates
// evaluate against.
func (ev Event) vars() map[string]any {
	return map[string]any{
		"type":      ev.Type,
		"keyPrefix": ev.KeyPrefix,
		"keyName":   ev.KeyName,
		"namespace": ev.Namespace,
		"tool":      ev.Tool,
		"reason":    ev.Reason,
		"credits":   ev.Credits,
	}
}

// Predicate is a compiled filter expression.
type Predicate interface {
	Eval(vars map[string]any) (bool, error)
}

// ExprCompiler turns a filter expression into a Predicate. Compilation
// happens once at registration; bad expressions are rejected there.
type ExprCompiler interface {
	Compile(expr string) (Predicate, error)
}

// Filter routes matching events to a delivery URL. Events is an event-type
// allow-list (empty = all types); KeyPrefix narrows to keys whose masked
// prefix starts with it; Expression is an optional predicate over the event
// fields.
type Filter struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	URL        string    `json:"url"`
	Events     []string  `json:"events,omitempty"`
	KeyPrefix  string    `json:"keyPrefix,omitempty"`
	Expression string    `json:"expression,omitempty"`
	Secret     string    `json:"secret,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (f Filter) clone() Filter {
	out := f
	out.Events = append([]string(nil), f.Events...)
	return out
}

// FilterParams carries the mutable filter fields for Add and Update.
type FilterParams struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Events     []string `json:"events"`
	KeyPrefix  string   `json:"keyPrefix"`
	Expression string   `json:"expression"`
	Secret     string   `json:"secret"`
	Active     *bool    `json:"active"`
}

// Registry holds the configured filters and their compiled predicates.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	filters  map[string]Filter
	preds    map[string]Predicate
	compiler ExprCompiler
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewRegistry creates an empty registry. compiler may be nil, in which case
// filters with expressions are rejected.
func NewRegistry(compiler ExprCompiler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		filters:  make(map[string]Filter),
		preds:    make(map[string]Predicate),
		compiler: compiler,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a filter. The URL is required; the expression, when set, is
// compiled eagerly so syntax errors surface at registration time.
func (r *Registry) Add(p FilterParams) (Filter, error) {
	if strings.TrimSpace(p.URL) == "" {
		return Filter{}, fmt.Errorf("%w: url is required", ErrInvalidFilter)
	}
	pred, err := r.compileExpr(p.Expression)
	if err != nil {
		return Filter{}, err
	}

	f := Filter{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(p.Name),
		URL:        strings.TrimSpace(p.URL),
		Events:     append([]string(nil), p.Events...),
		KeyPrefix:  p.KeyPrefix,
		Expression: p.Expression,
		Secret:     p.Secret,
		Active:     true,
		CreatedAt:  r.nowFn(),
	}
	if p.Active != nil {
		f.Active = *p.Active
	}

	r.mu.Lock()
	r.filters[f.ID] = f
	if pred != nil {
		r.preds[f.ID] = pred
	}
	r.mu.Unlock()
	return f.clone(), nil
}

// Update replaces the mutable fields of an existing filter. Empty params
// fields keep their current values; Events is replaced when non-nil.
func (r *Registry) Update(id string, p FilterParams) (Filter, error) {
	r.mu.RLock()
	f, ok := r.filters[id]
	r.mu.RUnlock()
	if !ok {
		return Filter{}, ErrFilterNotFound
	}

	if strings.TrimSpace(p.URL) != "" {
		f.URL = strings.TrimSpace(p.URL)
	}
	if strings.TrimSpace(p.Name) != "" {
		f.Name = strings.TrimSpace(p.Name)
	}
	if p.Events != nil {
		f.Events = append([]string(nil), p.Events...)
	}
	if p.KeyPrefix != "" {
		f.KeyPrefix = p.KeyPrefix
	}
	if p.Secret != "" {
		f.Secret = p.Secret
	}
	if p.Active != nil {
		f.Active = *p.Active
	}

	var pred Predicate
	exprChanged := p.Expression != "" && p.Expression != f.Expression
	if exprChanged {
		compiled, err := r.compileExpr(p.Expression)
		if err != nil {
			return Filter{}, err
		}
		f.Expression = p.Expression
		pred = compiled
	}

	r.mu.Lock()
	if _, still := r.filters[id]; !still {
		r.mu.Unlock()
		return Filter{}, ErrFilterNotFound
	}
	r.filters[id] = f
	if exprChanged {
		if pred != nil {
			r.preds[id] = pred
		} else {
			delete(r.preds, id)
		}
	}
	r.mu.Unlock()
	return f.clone(), nil
}

// Remove deletes a filter.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filters[id]; !ok {
		return false
	}
	delete(r.filters, id)
	delete(r.preds, id)
	return true
}

// Get returns a filter by id.
func (r *Registry) Get(id string) (Filter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[id]
	if !ok {
		return Filter{}, false
	}
	return f.clone(), true
}

// List returns all filters, newest first.
func (r *Registry) List() []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Filter, 0, len(r.filters))
	for _, f := range r.filters {
		out = append(out, f.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of registered filters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters)
}

// Match returns the active filters the event should be delivered to. A
// filter matches when its event-type list admits the type, its key prefix
// (if any) prefixes the event's key, and its expression (if any) evaluates
// true. Expression evaluation errors skip that filter only.
func (r *Registry) Match(ev Event) []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Filter
	for id, f := range r.filters {
		if !f.Active {
			continue
		}
		if len(f.Events) > 0 && !containsString(f.Events, ev.Type) {
			continue
		}
		if f.KeyPrefix != "" && !strings.HasPrefix(ev.KeyPrefix, f.KeyPrefix) {
			continue
		}
		if pred, ok := r.preds[id]; ok {
			match, err := pred.Eval(ev.vars())
			if err != nil {
				r.logger.Warn("webhook filter expression failed",
					"filterID", id, "eventType", ev.Type, "error", err)
				continue
			}
			if !match {
				continue
			}
		}
		out = append(out, f.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) compileExpr(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	if r.compiler == nil {
		return nil, fmt.Errorf("%w: expression filters are not enabled", ErrInvalidFilter)
	}
	pred, err := r.compiler.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return pred, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
