// Package store persists run snapshots, reboot history, and an event
// journal in a local sqlite database. One database serves every run;
// rows are keyed by run id. The store satisfies the runner's Persister
// interface and backs the status and history command surfaces.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/flywheeldev/flywheel/internal/logging"
	"github.com/flywheeldev/flywheel/internal/runner"
)

// DefaultDirName is the per-user data directory under $HOME.
const DefaultDirName = ".flywheel"

// DefaultDBName is the database file inside the data directory.
const DefaultDBName = "flywheel.db"

const (
	// rebootHistoryCap bounds retained reboot records per run.
	rebootHistoryCap = 200

	// eventJournalCap bounds retained journal events per run.
	eventJournalCap = 2000
)

// Store wraps the sqlite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ runner.Persister = (*Store)(nil)

// DefaultPath returns the standard database location under the user's
// home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName, DefaultDBName), nil
}

// Open opens (creating if needed) the database at path and applies the
// schema. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{db: db, log: logging.Component("store")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug().Str("path", path).Msg("store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	// The loop writes while the web surface reads; WAL plus a busy
	// timeout keeps the readers from tripping over the writer.
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("store: apply pragmas: %w", err)
	}
	return s.migrate()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		reboots INTEGER NOT NULL DEFAULT 0,
		busy_ms INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		stop_reason TEXT,
		condition_progress REAL NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reboot_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		reason TEXT NOT NULL,
		detail TEXT,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		old_session_id TEXT,
		new_session_id TEXT,
		hook_results TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		at TIMESTAMP NOT NULL,
		data TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);
	CREATE INDEX IF NOT EXISTS idx_reboots_run ON reboot_history(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// pruneTail keeps only the newest keep rows for a run in the given
// table. Table names are internal constants, never user input.
func (s *Store) pruneTail(table, runID string, keep int) error {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE run_id = ? AND id NOT IN
		 (SELECT id FROM %s WHERE run_id = ? ORDER BY id DESC LIMIT ?)`,
		table, table)
	_, err := s.db.Exec(query, runID, runID, keep)
	return err
}
