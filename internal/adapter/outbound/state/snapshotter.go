package state

import (
	"log/slog"
	"sync"

	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/signing"
	"github.com/paygate-mcp/paygate/internal/domain/spendcap"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

// Snapshotter fans the per-table persist callbacks into one document. Each
// domain store pushes its full table on mutation (outside its own lock);
// the snapshotter swaps that section into the composed AppState and writes
// the whole file. Sections a store never pushed keep their loaded values,
// so partially-exercised processes never shed data.
type Snapshotter struct {
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	state *AppState
}

// Compile-time checks that the snapshotter serves every store.
var (
	_ key.Persister      = (*Snapshotter)(nil)
	_ group.Persister    = (*Snapshotter)(nil)
	_ signing.Persister  = (*Snapshotter)(nil)
	_ ipaccess.Persister = (*Snapshotter)(nil)
	_ webhook.Persister  = (*Snapshotter)(nil)
	_ spendcap.Persister = (*Snapshotter)(nil)
)

// NewSnapshotter wraps the file store, seeded with the state loaded at
// boot so untouched sections survive the first save.
func NewSnapshotter(store *Store, seed *AppState, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	if seed == nil {
		seed = store.DefaultState()
	}
	return &Snapshotter{store: store, logger: logger, state: seed}
}

// PersistKeys implements key.Persister.
func (s *Snapshotter) PersistKeys(records []key.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Keys = records
	return s.store.Save(s.state)
}

// PersistGroups implements group.Persister.
func (s *Snapshotter) PersistGroups(groups []group.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Groups = groups
	return s.store.Save(s.state)
}

// PersistSigningSecrets implements signing.Persister.
func (s *Snapshotter) PersistSigningSecrets(secrets []signing.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SigningSecrets = secrets
	return s.store.Save(s.state)
}

// PersistIPBlocks implements ipaccess.Persister.
func (s *Snapshotter) PersistIPBlocks(blocks []ipaccess.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IPBlocks = blocks
	return s.store.Save(s.state)
}

// PersistWebhooks implements webhook.Persister.
func (s *Snapshotter) PersistWebhooks(pending, dead []webhook.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Webhooks = WebhookState{Pending: pending, Dead: dead}
	return s.store.Save(s.state)
}

// PersistServerCaps implements spendcap.Persister.
func (s *Snapshotter) PersistServerCaps(st spendcap.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ServerCaps = st
	return s.store.Save(s.state)
}

// Current returns a shallow view of the composed document, for health and
// admin system endpoints.
func (s *Snapshotter) Current() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state
}
