package archive

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string, created time.Time) *session.Report {
	terminated := created.Add(90 * time.Second)
	return &session.Report{
		SessionID:         id,
		PolicyName:        "dev-sandbox",
		State:             string(policy.SessionTerminated),
		CreatedAt:         created,
		TerminatedAt:      &terminated,
		TerminationReason: "task complete",
		DurationMS:        90000,
		ActionsEvaluated:  12,
		ActionsAllowed:    9,
		ActionsDenied:     2,
		ActionsGated:      1,
		FilesChanged:      3,
		OutputBytes:       2048,
		CostUSD:           0.42,
		LedgerPath:        "/var/lib/gatewarden/ledger/" + id + ".jsonl",
		LedgerEntries:     26,
	}
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	want := sampleReport("sess-1", created)

	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != want.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, want.SessionID)
	}
	if got.PolicyName != want.PolicyName {
		t.Errorf("PolicyName = %q, want %q", got.PolicyName, want.PolicyName)
	}
	if got.State != want.State {
		t.Errorf("State = %q, want %q", got.State, want.State)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if got.TerminatedAt == nil || !got.TerminatedAt.Equal(*want.TerminatedAt) {
		t.Errorf("TerminatedAt = %v, want %v", got.TerminatedAt, want.TerminatedAt)
	}
	if got.TerminationReason != want.TerminationReason {
		t.Errorf("TerminationReason = %q, want %q", got.TerminationReason, want.TerminationReason)
	}
	if got.ActionsEvaluated != 12 || got.ActionsAllowed != 9 || got.ActionsDenied != 2 || got.ActionsGated != 1 {
		t.Errorf("action tallies = %d/%d/%d/%d, want 12/9/2/1",
			got.ActionsEvaluated, got.ActionsAllowed, got.ActionsDenied, got.ActionsGated)
	}
	if got.CostUSD != want.CostUSD {
		t.Errorf("CostUSD = %v, want %v", got.CostUSD, want.CostUSD)
	}
	if got.LedgerPath != want.LedgerPath {
		t.Errorf("LedgerPath = %q, want %q", got.LedgerPath, want.LedgerPath)
	}
	if got.LedgerEntries != want.LedgerEntries {
		t.Errorf("LedgerEntries = %d, want %d", got.LedgerEntries, want.LedgerEntries)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown session error = %v, want ErrNotFound", err)
	}
}

func TestSaveIsUpsert(t *testing.T) {
	store := newTestStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := sampleReport("sess-1", created)

	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.TerminationReason = "budget exceeded"
	r.ActionsEvaluated = 20
	if err := store.Save(r); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	got, err := store.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TerminationReason != "budget exceeded" {
		t.Errorf("TerminationReason = %q, want updated value", got.TerminationReason)
	}
	if got.ActionsEvaluated != 20 {
		t.Errorf("ActionsEvaluated = %d, want 20", got.ActionsEvaluated)
	}

	_, count, err := store.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if count != 1 {
		t.Errorf("count after double save = %d, want 1", count)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.db")

	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := store.Save(sampleReport("sess-1", created)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("sess-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got.SessionID)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first := sampleReport("sess-1", base)
	second := sampleReport("sess-2", base.Add(time.Hour))
	second.PolicyName = "ci-readonly"
	third := sampleReport("sess-3", base.Add(2*time.Hour))
	third.State = string(policy.SessionActive)

	for _, r := range []*session.Report{first, second, third} {
		if err := store.Save(r); err != nil {
			t.Fatalf("Save %s: %v", r.SessionID, err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		reports, count, err := store.List(Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if count != 3 || len(reports) != 3 {
			t.Fatalf("count=%d len=%d, want 3/3", count, len(reports))
		}
		if reports[0].SessionID != "sess-3" || reports[2].SessionID != "sess-1" {
			t.Errorf("order = [%s %s %s], want newest first",
				reports[0].SessionID, reports[1].SessionID, reports[2].SessionID)
		}
	})

	t.Run("filter by policy", func(t *testing.T) {
		reports, count, err := store.List(Filter{PolicyName: "ci-readonly"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if count != 1 || len(reports) != 1 || reports[0].SessionID != "sess-2" {
			t.Errorf("got count=%d reports=%v, want only sess-2", count, reports)
		}
	})

	t.Run("filter by state", func(t *testing.T) {
		_, count, err := store.List(Filter{State: string(policy.SessionTerminated)})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if count != 2 {
			t.Errorf("terminated count = %d, want 2", count)
		}
	})

	t.Run("filter by since", func(t *testing.T) {
		since := base.Add(30 * time.Minute)
		reports, count, err := store.List(Filter{Since: &since})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if count != 2 {
			t.Errorf("since count = %d, want 2", count)
		}
		for _, r := range reports {
			if r.CreatedAt.Before(since) {
				t.Errorf("report %s created %v, before since %v", r.SessionID, r.CreatedAt, since)
			}
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		reports, count, err := store.List(Filter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if count != 3 {
			t.Errorf("count = %d, want total 3 regardless of limit", count)
		}
		if len(reports) != 1 || reports[0].SessionID != "sess-2" {
			t.Errorf("page = %v, want [sess-2]", reports)
		}
	})
}

func TestHookPersistsReport(t *testing.T) {
	store := newTestStore(t)
	hook := store.Hook()

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	hook(sampleReport("sess-hooked", created))

	got, err := store.Get("sess-hooked")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != "sess-hooked" {
		t.Errorf("SessionID = %q, want sess-hooked", got.SessionID)
	}
}

func TestHookSwallowsErrors(t *testing.T) {
	store := newTestStore(t)
	hook := store.Hook()
	store.Close()

	// Must not panic once the database is gone; the failure is logged.
	hook(sampleReport("sess-late", time.Now()))
}
