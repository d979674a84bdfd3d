// Package storage handles persistence of delivered-alert identifiers.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_alerts (
	alert_id     TEXT PRIMARY KEY,
	delivered_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_alerts_delivered_at ON seen_alerts(delivered_at);
`

// SeenStore records which alert ids have already been delivered. Records are
// created only after a confirmed successful delivery and are immutable until
// the monthly prune removes them.
type SeenStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (or creates) the seen-alerts database at path and applies the
// schema. The database is tuned for a single writer with full commit
// durability: a crash after Commit returns must never lose the record.
func Open(path string, logger *slog.Logger) (*SeenStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open seen-store: %w", err)
	}

	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Delivery correctness depends on Commit surviving a crash.
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SeenStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SeenStore) Close() error {
	return s.db.Close()
}

// Has reports whether a record exists for id. It is consistent with the most
// recent successful Commit.
func (s *SeenStore) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, "SELECT 1 FROM seen_alerts WHERE alert_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen-store lookup %s: %w", id, err)
	}
	return true, nil
}

// Commit records that id was delivered at the given time. Committing an id
// that already exists is a no-op, so a replayed commit never duplicates or
// mutates the original record. The record is durable before Commit returns.
func (s *SeenStore) Commit(ctx context.Context, id string, deliveredAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO seen_alerts(alert_id, delivered_at) VALUES (?, ?)",
		id, deliveredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("seen-store commit %s: %w", id, err)
	}
	return nil
}

// Prune deletes all records delivered longer ago than olderThan and returns
// the number removed. Zero matches is not an error.
func (s *SeenStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, "DELETE FROM seen_alerts WHERE delivered_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("seen-store prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("seen-store prune count: %w", err)
	}
	if n > 0 {
		s.logger.Info("Pruned seen-store records", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// Count returns the number of records, for the status endpoint.
func (s *SeenStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM seen_alerts"); err != nil {
		return 0, fmt.Errorf("seen-store count: %w", err)
	}
	return n, nil
}
