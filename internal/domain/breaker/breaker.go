// Package breaker wraps per-tool circuit breakers around backend calls.
// Consecutive failures open a tool's circuit; after the cooldown a single
// probe is let through and its outcome decides between closing and
// re-opening.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ReasonOpen is the deny reason reported while a tool's circuit is open.
const ReasonOpen = "circuit_open"

// ErrOpen is returned by Do when the circuit rejects the call before the
// function runs (open state, or the half-open probe slot is taken).
var ErrOpen = errors.New("circuit open")

// State labels used in metrics and admin projections.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const defaultCooldown = 30 * time.Second

// Config carries the breaker thresholds. Threshold 0 disables breaking
// entirely: Do runs the function unconditionally and Allow always admits.
type Config struct {
	Threshold int
	Cooldown  time.Duration
}

// Manager holds one circuit breaker per tool, created lazily.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(tool, from, to string)
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStateChangeHook registers a callback observed on every transition.
// Called from gobreaker's locked region, so it must not re-enter the manager.
func WithStateChangeHook(fn func(tool, from, to string)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager creates a breaker manager.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	m := &Manager{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether breaking is active.
func (m *Manager) Enabled() bool {
	return m.cfg.Threshold > 0
}

// breaker returns the tool's circuit, creating it on first use.
func (m *Manager) breaker(tool string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[tool]; ok {
		return cb
	}
	threshold := uint32(m.cfg.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: 1, // single probe in half-open
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Info("circuit state change",
				"tool", name, "from", stateLabel(from), "to", stateLabel(to))
			if m.onChange != nil {
				m.onChange(name, stateLabel(from), stateLabel(to))
			}
		},
	})
	m.breakers[tool] = cb
	return cb
}

// Allow reports whether the tool's circuit admits a call right now. Open
// circuits deny; closed and half-open admit (the half-open probe limit is
// enforced by Do).
func (m *Manager) Allow(tool string) bool {
	if !m.Enabled() {
		return true
	}
	return m.breaker(tool).State() != gobreaker.StateOpen
}

// Do runs fn under the tool's circuit, feeding the outcome into the state
// machine. Returns ErrOpen when the circuit rejects the call without
// running fn; otherwise returns fn's error.
func (m *Manager) Do(tool string, fn func() error) error {
	if !m.Enabled() {
		return fn()
	}
	_, err := m.breaker(tool).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns the tool's current state label. Tools that never failed
// report closed without allocating a breaker.
func (m *Manager) State(tool string) string {
	if !m.Enabled() {
		return StateClosed
	}
	m.mu.Lock()
	cb, ok := m.breakers[tool]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return stateLabel(cb.State())
}

// States returns the state label of every tool with an allocated breaker.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.breakers))
	for tool, cb := range m.breakers {
		out[tool] = stateLabel(cb.State())
	}
	return out
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
