// Package archive keeps an append-only SQLite record of completed loop
// runs so tutorial authors can compare validation results across edits.
// It is separate from the crash-recovery state file, which stays a single
// JSON document owned by the coordinator.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smile-run/smile/internal/loopstate"
)

const (
	schemaVersion  = 1
	schemaChecksum = "smile-v1-runs"
)

// Run is one archived loop session.
type Run struct {
	ID              int64            `json:"id"`
	Tutorial        string           `json:"tutorial"`
	ConfigHash      string           `json:"config_hash"`
	Status          loopstate.Status `json:"status"`
	Iterations      int              `json:"iterations"`
	GapCount        int              `json:"gap_count"`
	DurationSeconds int64            `json:"duration_seconds"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// Store wraps the runs database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the archive database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("set pragma: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("archive schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tutorial TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			iterations INTEGER NOT NULL,
			gap_count INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_tutorial ON runs(tutorial, finished_at);
	`); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}

	if maxVersion < schemaVersion {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}
	return tx.Commit()
}

// Record appends a finished run. The archive is append-only; rows are
// never updated or deleted.
func (s *Store) Record(ctx context.Context, run Run) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (tutorial, config_hash, status, iterations, gap_count, duration_seconds, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, run.Tutorial, run.ConfigHash, string(run.Status), run.Iterations,
		run.GapCount, run.DurationSeconds, run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// RunsForTutorial returns the most recent runs for a tutorial, newest
// first, up to limit rows.
func (s *Store) RunsForTutorial(ctx context.Context, tutorial string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tutorial, config_hash, status, iterations, gap_count, duration_seconds, started_at, finished_at
		FROM runs WHERE tutorial = ? ORDER BY finished_at DESC LIMIT ?;
	`, tutorial, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		if err := rows.Scan(&r.ID, &r.Tutorial, &r.ConfigHash, &status, &r.Iterations,
			&r.GapCount, &r.DurationSeconds, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = loopstate.Status(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
