package webhook

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type stubPredicate struct {
	fn func(vars map[string]any) (bool, error)
}

func (s stubPredicate) Eval(vars map[string]any) (bool, error) { return s.fn(vars) }

// stubCompiler accepts expressions of the form "reason==<token>", matches
// events whose reason equals the token, and rejects anything else at
// compile time.
type stubCompiler struct{}

func (stubCompiler) Compile(expr string) (Predicate, error) {
	token, ok := strings.CutPrefix(expr, "reason==")
	if !ok {
		return nil, fmt.Errorf("parse %q", expr)
	}
	return stubPredicate{fn: func(vars map[string]any) (bool, error) {
		if token == "error" {
			return false, errors.New("evaluation blew up")
		}
		return vars["reason"] == token, nil
	}}, nil
}

func TestAddFilterValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(stubCompiler{}, nil)

	if _, err := r.Add(FilterParams{URL: "  "}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("missing url err = %v, want ErrInvalidFilter", err)
	}
	if _, err := r.Add(FilterParams{URL: "https://hooks.example.com", Expression: "not-an-expr"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("bad expression err = %v, want ErrInvalidFilter", err)
	}

	f, err := r.Add(FilterParams{Name: "denials", URL: "https://hooks.example.com"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if f.ID == "" || !f.Active {
		t.Errorf("filter = %+v, want generated id and active by default", f)
	}
	if got, ok := r.Get(f.ID); !ok || got.Name != "denials" {
		t.Errorf("Get = %+v, %v", got, ok)
	}
}

func TestAddExpressionWithoutCompiler(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	if _, err := r.Add(FilterParams{URL: "https://hooks.example.com", Expression: "reason==x"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("err = %v, want ErrInvalidFilter", err)
	}
	// Expression-free filters still work.
	if _, err := r.Add(FilterParams{URL: "https://hooks.example.com"}); err != nil {
		t.Errorf("Add without expression: %v", err)
	}
}

func TestMatchByEventType(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)

	all, _ := r.Add(FilterParams{URL: "https://hooks.example.com/all"})
	denials, _ := r.Add(FilterParams{
		URL:    "https://hooks.example.com/denials",
		Events: []string{EventGateDenied, EventCapBreached},
	})

	got := r.Match(Event{Type: EventGateDenied, Timestamp: time.Now()})
	if len(got) != 2 {
		t.Fatalf("matched %d filters, want 2", len(got))
	}

	got = r.Match(Event{Type: EventKeyCreated})
	if len(got) != 1 || got[0].ID != all.ID {
		t.Errorf("key.created should match only the catch-all, got %+v", got)
	}
	_ = denials
}

func TestMatchByKeyPrefix(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	f, _ := r.Add(FilterParams{URL: "https://hooks.example.com", KeyPrefix: "pg_tenant"})

	if got := r.Match(Event{Type: EventGateDenied, KeyPrefix: "pg_tenantabc"}); len(got) != 1 || got[0].ID != f.ID {
		t.Errorf("prefixed key should match, got %+v", got)
	}
	if got := r.Match(Event{Type: EventGateDenied, KeyPrefix: "pg_other"}); len(got) != 0 {
		t.Errorf("non-prefixed key should not match, got %+v", got)
	}
}

func TestMatchByExpression(t *testing.T) {
	t.Parallel()
	r := NewRegistry(stubCompiler{}, nil)
	f, err := r.Add(FilterParams{
		URL:        "https://hooks.example.com",
		Expression: "reason==insufficient_credits",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := r.Match(Event{Type: EventGateDenied, Reason: "insufficient_credits"}); len(got) != 1 || got[0].ID != f.ID {
		t.Errorf("matching reason should hit, got %+v", got)
	}
	if got := r.Match(Event{Type: EventGateDenied, Reason: "rate_limited"}); len(got) != 0 {
		t.Errorf("non-matching reason should miss, got %+v", got)
	}
}

func TestMatchSkipsFailingExpression(t *testing.T) {
	t.Parallel()
	r := NewRegistry(stubCompiler{}, nil)
	r.Add(FilterParams{URL: "https://hooks.example.com/expr", Expression: "reason==error"})
	healthy, _ := r.Add(FilterParams{URL: "https://hooks.example.com/plain"})

	got := r.Match(Event{Type: EventGateDenied, Reason: "error"})
	if len(got) != 1 || got[0].ID != healthy.ID {
		t.Errorf("failing expression should only skip its own filter, got %+v", got)
	}
}

func TestInactiveFilterNeverMatches(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	off := false
	r.Add(FilterParams{URL: "https://hooks.example.com", Active: &off})
	if got := r.Match(Event{Type: EventGateDenied}); len(got) != 0 {
		t.Errorf("inactive filter matched: %+v", got)
	}
}

func TestUpdateFilter(t *testing.T) {
	t.Parallel()
	r := NewRegistry(stubCompiler{}, nil)
	f, _ := r.Add(FilterParams{URL: "https://hooks.example.com", Events: []string{EventGateDenied}})

	off := false
	updated, err := r.Update(f.ID, FilterParams{
		Events:     []string{EventKeyExpiring},
		Expression: "reason==daily_calls",
		Active:     &off,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Active || len(updated.Events) != 1 || updated.Events[0] != EventKeyExpiring {
		t.Errorf("updated = %+v", updated)
	}
	if updated.URL != f.URL {
		t.Errorf("url should be unchanged, got %q", updated.URL)
	}

	if _, err := r.Update(f.ID, FilterParams{Expression: "garbage"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("bad expression on update err = %v, want ErrInvalidFilter", err)
	}
	if _, err := r.Update("missing", FilterParams{URL: "https://x"}); !errors.Is(err, ErrFilterNotFound) {
		t.Errorf("unknown id err = %v, want ErrFilterNotFound", err)
	}
}

func TestRemoveFilter(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	f, _ := r.Add(FilterParams{URL: "https://hooks.example.com"})
	if !r.Remove(f.ID) {
		t.Error("Remove should report success")
	}
	if r.Remove(f.ID) {
		t.Error("second Remove should report missing")
	}
	if r.Count() != 0 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.nowFn = func() time.Time { return now }

	r.Add(FilterParams{Name: "old", URL: "https://hooks.example.com"})
	now = now.Add(time.Minute)
	r.Add(FilterParams{Name: "new", URL: "https://hooks.example.com"})

	got := r.List()
	if len(got) != 2 || got[0].Name != "new" || got[1].Name != "old" {
		t.Errorf("list order = %+v", got)
	}
}
