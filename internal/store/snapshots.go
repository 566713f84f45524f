package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flywheeldev/flywheel/internal/runner"
)

// SaveSnapshot upserts the run's row. Called by the runner after every
// iteration and on terminal transitions, so it must stay cheap.
func (s *Store) SaveSnapshot(ctx context.Context, snap runner.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, state, iteration, successes, failures, skipped,
			consecutive_failures, reboots, busy_ms, session_id, stop_reason,
			condition_progress, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			iteration = excluded.iteration,
			successes = excluded.successes,
			failures = excluded.failures,
			skipped = excluded.skipped,
			consecutive_failures = excluded.consecutive_failures,
			reboots = excluded.reboots,
			busy_ms = excluded.busy_ms,
			session_id = excluded.session_id,
			stop_reason = excluded.stop_reason,
			condition_progress = excluded.condition_progress,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		snap.RunID, string(snap.State), snap.Iteration, snap.Successes, snap.Failures,
		snap.Skipped, snap.ConsecutiveFailures, snap.Reboots, snap.BusyTime.Milliseconds(),
		nullString(snap.SessionID), nullString(snap.StopReason), snap.ConditionProgress,
		nullTime(snap.StartedAt), snap.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot for a run, or nil when
// the run is unknown.
func (s *Store) LoadSnapshot(ctx context.Context, runID string) (*runner.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, state, iteration, successes, failures, skipped,
			consecutive_failures, reboots, busy_ms, session_id, stop_reason,
			condition_progress, started_at, updated_at
		FROM runs WHERE run_id = ?`, runID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot %s: %w", runID, err)
	}
	return snap, nil
}

// ListRuns returns up to limit run snapshots, most recently updated
// first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]runner.Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, state, iteration, successes, failures, skipped,
			consecutive_failures, reboots, busy_ms, session_id, stop_reason,
			condition_progress, started_at, updated_at
		FROM runs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []runner.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list runs: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// DeleteRun removes the run and everything recorded about it.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete run %s: %w", runID, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "reboot_history", "runs"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), runID); err != nil {
			return fmt.Errorf("store: delete run %s: %w", runID, err)
		}
	}
	return tx.Commit()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*runner.Snapshot, error) {
	var (
		snap      runner.Snapshot
		state     string
		busyMS    int64
		sessionID sql.NullString
		reason    sql.NullString
		startedAt sql.NullTime
	)
	err := row.Scan(
		&snap.RunID, &state, &snap.Iteration, &snap.Successes, &snap.Failures,
		&snap.Skipped, &snap.ConsecutiveFailures, &snap.Reboots, &busyMS,
		&sessionID, &reason, &snap.ConditionProgress, &startedAt, &snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	snap.State = runner.State(state)
	snap.BusyTime = time.Duration(busyMS) * time.Millisecond
	snap.SessionID = sessionID.String
	snap.StopReason = reason.String
	if startedAt.Valid {
		snap.StartedAt = startedAt.Time
	}
	return &snap, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
