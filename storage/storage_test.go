package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SeenStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "seen.sqlite3"), logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHasBeforeAndAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.Has(ctx, "urn:oid:2.49.0.1.840.0.abc")
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if seen {
		t.Error("Has() = true for an id that was never committed")
	}

	if err := s.Commit(ctx, "urn:oid:2.49.0.1.840.0.abc", time.Now()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	seen, err = s.Has(ctx, "urn:oid:2.49.0.1.840.0.abc")
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if !seen {
		t.Error("Has() = false after Commit")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Commit(ctx, "alert-1", first); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	// Second commit with a different timestamp must not error or mutate.
	if err := s.Commit(ctx, "alert-1", first.Add(48*time.Hour)); err != nil {
		t.Fatalf("repeat Commit() error = %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d after duplicate commit, want 1", n)
	}

	// Prune just past the original timestamp: the record must still be
	// governed by its first delivery time, proving it was never rewritten.
	removed, err := s.Prune(ctx, time.Since(first)-time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("Prune() removed %d records newer than cutoff, want 0", removed)
	}
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	commits := map[string]time.Time{
		"old-1":  now.Add(-45 * 24 * time.Hour),
		"old-2":  now.Add(-31 * 24 * time.Hour),
		"recent": now.Add(-5 * 24 * time.Hour),
		"fresh":  now,
	}
	for id, at := range commits {
		if err := s.Commit(ctx, id, at); err != nil {
			t.Fatalf("Commit(%s) error = %v", id, err)
		}
	}

	removed, err := s.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Prune() removed = %d, want 2", removed)
	}

	for id, want := range map[string]bool{"old-1": false, "old-2": false, "recent": true, "fresh": true} {
		got, err := s.Has(ctx, id)
		if err != nil {
			t.Fatalf("Has(%s) error = %v", id, err)
		}
		if got != want {
			t.Errorf("Has(%s) = %v after prune, want %v", id, got, want)
		}
	}

	// A second sweep with nothing to do must succeed.
	removed, err = s.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("second Prune() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("second Prune() removed = %d, want 0", removed)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seen.sqlite3")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Commit(ctx, "persistent-alert", time.Now()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, logger)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	seen, err := reopened.Has(ctx, "persistent-alert")
	if err != nil {
		t.Fatalf("Has() after reopen error = %v", err)
	}
	if !seen {
		t.Error("committed record lost across restart")
	}
}
