package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeEvent(ts time.Time, id string) audit.Event {
	return audit.Event{
		ID:        id,
		Timestamp: ts,
		Type:      audit.EventKeyCreated,
		Actor:     audit.ActorAdmin,
		Message:   "created key pg_abcd...",
	}
}

func newTestStore(t *testing.T, cfg Config) *FileStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readLines(t *testing.T, path string) []audit.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("malformed line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestNewFileStoreCreatesDirectory(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "subdir", "audit")
	newTestStore(t, Config{Dir: dir})

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("directory permissions = %o, want 0700", perm)
	}
}

func TestAppendWritesJSONLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})
	now := time.Now().UTC()

	err := s.Append(context.Background(),
		makeEvent(now, "ev-1"),
		makeEvent(now, "ev-2"),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	path := filepath.Join(dir, buildFilename(now.Format("2006-01-02"), 0))
	events := readLines(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != "ev-1" || events[1].ID != "ev-2" {
		t.Errorf("events out of order: %+v", events)
	}
	if events[0].Type != audit.EventKeyCreated {
		t.Errorf("Type = %q", events[0].Type)
	}
}

func TestAppendRotatesOnDateChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})

	day1 := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC)

	if err := s.Append(context.Background(), makeEvent(day1, "a"), makeEvent(day2, "b")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = s.Flush(context.Background())

	first := readLines(t, filepath.Join(dir, "audit-2026-08-24.log"))
	second := readLines(t, filepath.Join(dir, "audit-2026-08-25.log"))
	if len(first) != 1 || first[0].ID != "a" {
		t.Errorf("day-1 segment: %+v", first)
	}
	if len(second) != 1 || second[0].ID != "b" {
		t.Errorf("day-2 segment: %+v", second)
	}
}

func TestAppendRotatesOnSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir, MaxFileSizeMB: 1})
	// Force a tiny cap so a couple of writes overflow it.
	s.maxFileSize = 64

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if err := s.Append(context.Background(), makeEvent(now, fmt.Sprintf("ev-%d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	_ = s.Flush(context.Background())

	segs := s.Segments()
	if len(segs) < 2 {
		t.Fatalf("expected size rotation to create segments, got %v", segs)
	}

	total := 0
	for _, name := range segs {
		total += len(readLines(t, filepath.Join(dir, name)))
	}
	if total != 4 {
		t.Errorf("events across segments = %d, want 4", total)
	}
}

func TestAppendContinuesHighestSuffix(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	today := time.Now().UTC().Format("2006-01-02")
	for _, name := range []string{
		buildFilename(today, 0),
		buildFilename(today, 1),
		buildFilename(today, 2),
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestStore(t, Config{Dir: dir})
	if s.currentSuffix != 2 {
		t.Errorf("currentSuffix = %d, want 2", s.currentSuffix)
	}
}

func TestRetentionCleanup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	fresh := time.Now().UTC().Format("2006-01-02")
	for _, name := range []string{buildFilename(old, 0), buildFilename(fresh, 0), "unrelated.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	newTestStore(t, Config{Dir: dir, RetentionDays: 7})

	if _, err := os.Stat(filepath.Join(dir, buildFilename(old, 0))); !os.IsNotExist(err) {
		t.Error("expired segment not removed")
	}
	if _, err := os.Stat(filepath.Join(dir, buildFilename(fresh, 0))); err != nil {
		t.Error("fresh segment removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.txt")); err != nil {
		t.Error("non-audit file removed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Append(context.Background(), makeEvent(time.Now().UTC(), "late")); err == nil {
		t.Error("Append after Close succeeded")
	}
}

func TestParseFilename(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		ok     bool
		date   string
		suffix int
	}{
		{"audit-2026-08-25.log", true, "2026-08-25", 0},
		{"audit-2026-08-25-3.log", true, "2026-08-25", 3},
		{"audit-2026-08-25.log.gz", false, "", 0},
		{"other-2026-08-25.log", false, "", 0},
	}
	for _, tc := range cases {
		info, ok := parseFilename(tc.name)
		if ok != tc.ok {
			t.Errorf("parseFilename(%q) ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && (info.date != tc.date || info.suffix != tc.suffix) {
			t.Errorf("parseFilename(%q) = %+v", tc.name, info)
		}
	}
}
