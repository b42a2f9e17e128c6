package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/signing"
	"github.com/paygate-mcp/paygate/internal/domain/spendcap"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testState(now time.Time) *AppState {
	return &AppState{
		Version: SchemaVersion,
		Keys: []key.Record{{
			Key:       "pg_test0000000000000000000000000",
			Name:      "ci",
			Credits:   500,
			Active:    true,
			Namespace: "default",
			CreatedAt: now,
		}},
		Groups: []group.Group{{
			ID:          "grp_1",
			Name:        "team",
			DeniedTools: []string{"shell"},
			CreatedAt:   now,
			UpdatedAt:   now,
		}},
		SigningSecrets: []signing.Secret{{
			APIKey:    "pg_test0000000000000000000000000",
			Secret:    "deadbeef",
			CreatedAt: now,
		}},
		IPBlocks: []ipaccess.Block{{
			IP:        "198.51.100.9",
			ExpiresAt: now.Add(time.Hour),
			Auto:      true,
		}},
		Webhooks: WebhookState{
			Pending: []webhook.Entry{{
				ID:            "wh_1",
				URL:           "https://hooks.example.com/pay",
				EventType:     webhook.EventGateDenied,
				Payload:       json.RawMessage(`{"reason":"insufficient_credits"}`),
				MaxAttempts:   5,
				CreatedAt:     now,
				NextAttemptAt: now,
			}},
		},
		ServerCaps: spendcap.State{
			Day:     now.Format("2006-01-02"),
			Calls:   12,
			Credits: 340,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestDefaultState(t *testing.T) {
	t.Parallel()
	s := NewStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	st := s.DefaultState()

	if st.Version != SchemaVersion {
		t.Errorf("Version = %q, want %q", st.Version, SchemaVersion)
	}
	if len(st.Keys) != 0 || len(st.Groups) != 0 {
		t.Errorf("default state not empty: %d keys, %d groups", len(st.Keys), len(st.Groups))
	}
	if st.CreatedAt.IsZero() || st.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, testLogger())

	if s.Exists() {
		t.Fatal("Exists() = true for missing file")
	}
	st := s.Load()
	if st == nil || st.Version != SchemaVersion {
		t.Fatalf("Load of missing file: %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, testLogger())
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Save(testState(now)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists() {
		t.Fatal("state file not created")
	}

	got := s.Load()
	if len(got.Keys) != 1 || got.Keys[0].Key != "pg_test0000000000000000000000000" {
		t.Errorf("keys = %+v", got.Keys)
	}
	if got.Keys[0].Credits != 500 {
		t.Errorf("credits = %d, want 500", got.Keys[0].Credits)
	}
	if len(got.Groups) != 1 || got.Groups[0].Name != "team" {
		t.Errorf("groups = %+v", got.Groups)
	}
	if len(got.SigningSecrets) != 1 || got.SigningSecrets[0].Secret != "deadbeef" {
		t.Errorf("signing secrets = %+v", got.SigningSecrets)
	}
	if len(got.IPBlocks) != 1 || got.IPBlocks[0].IP != "198.51.100.9" {
		t.Errorf("ip blocks = %+v", got.IPBlocks)
	}
	if len(got.Webhooks.Pending) != 1 || got.Webhooks.Pending[0].EventType != webhook.EventGateDenied {
		t.Errorf("webhooks = %+v", got.Webhooks)
	}
	if got.ServerCaps.Credits != 340 {
		t.Errorf("server caps = %+v", got.ServerCaps)
	}
}

func TestLoadCorruptedStartsEmptyAndPreserves(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	garbage := []byte(`{"version": "1", "keys": [{{`)
	if err := os.WriteFile(path, garbage, 0600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, testLogger())
	st := s.Load()
	if st == nil || len(st.Keys) != 0 {
		t.Fatalf("corrupted load: %+v", st)
	}

	preserved, err := os.ReadFile(path + ".corrupt")
	if err != nil {
		t.Fatalf("corrupt copy not preserved: %v", err)
	}
	if string(preserved) != string(garbage) {
		t.Errorf("preserved copy differs from original")
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
  "version": "1",
  "keys": [],
  "groups": [],
  "dashboards": {"layout": "wide", "pinned": ["revenue"]}
}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, testLogger())
	st := s.Load()
	raw, ok := st.Extra["dashboards"]
	if !ok {
		t.Fatalf("unknown field dropped on load: %v", st.Extra)
	}
	var dash struct {
		Layout string `json:"layout"`
	}
	if err := json.Unmarshal(raw, &dash); err != nil || dash.Layout != "wide" {
		t.Fatalf("unknown field mangled: %s", raw)
	}

	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(written), `"dashboards"`) {
		t.Errorf("unknown field dropped on save:\n%s", written)
	}
}

func TestSavePermissionsAndBackup(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, testLogger())
	now := time.Now().UTC()

	first := testState(now)
	if err := s.Save(first); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	firstBytes, _ := os.ReadFile(path)

	second := testState(now)
	second.Keys[0].Credits = 9
	if err := s.Save(second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("mode = %04o, want 0600", mode)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(bak) != string(firstBytes) {
		t.Error("backup does not hold the previous version")
	}
}

func TestSaveRestoresPermissions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, testLogger())

	if err := s.Save(s.DefaultState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(s.DefaultState()); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %04o after save, want 0600", perm)
	}
}

func TestSnapshotterComposesSections(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	fs := NewStore(path, testLogger())
	now := time.Now().UTC()

	// Seeded with a loaded document carrying a group; a key-only mutation
	// must not shed it.
	seed := fs.DefaultState()
	seed.Groups = []group.Group{{ID: "grp_keep", Name: "kept", CreatedAt: now, UpdatedAt: now}}
	snap := NewSnapshotter(fs, seed, testLogger())

	err := snap.PersistKeys([]key.Record{{
		Key: "pg_aaaabbbbccccddddeeeeffff00001111", Active: true, Namespace: "default",
	}})
	if err != nil {
		t.Fatalf("PersistKeys: %v", err)
	}
	err = snap.PersistServerCaps(spendcap.State{Day: "2026-08-25", Calls: 3, Credits: 30})
	if err != nil {
		t.Fatalf("PersistServerCaps: %v", err)
	}

	got := fs.Load()
	if len(got.Keys) != 1 {
		t.Errorf("keys = %+v", got.Keys)
	}
	if len(got.Groups) != 1 || got.Groups[0].ID != "grp_keep" {
		t.Errorf("seeded group shed: %+v", got.Groups)
	}
	if got.ServerCaps.Calls != 3 {
		t.Errorf("server caps = %+v", got.ServerCaps)
	}
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	fs := NewStore(path, testLogger())
	snap := NewSnapshotter(fs, nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = snap.PersistServerCaps(spendcap.State{Day: "2026-08-25", Calls: int64(i)})
		}(i)
	}
	wg.Wait()

	got := fs.Load()
	if got.Version != SchemaVersion {
		t.Fatalf("file unparseable after concurrent saves: %+v", got)
	}
}
