package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/reboot"
)

// AppendReboot records one reboot attempt and prunes the run's history
// to the retention cap.
func (s *Store) AppendReboot(ctx context.Context, runID string, res reboot.Result) error {
	var hookJSON sql.NullString
	if len(res.HookResults) > 0 {
		data, err := json.Marshal(res.HookResults)
		if err != nil {
			return fmt.Errorf("store: append reboot %s: %w", runID, err)
		}
		hookJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reboot_history (run_id, success, reason, detail, started_at,
			duration_ms, old_session_id, new_session_id, hook_results, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Success, string(res.Reason), nullString(res.Detail),
		res.StartedAt.UTC(), res.Duration.Milliseconds(),
		nullString(res.OldSessionID), nullString(res.NewSessionID),
		hookJSON, nullString(res.Err),
	)
	if err != nil {
		return fmt.Errorf("store: append reboot %s: %w", runID, err)
	}

	if err := s.pruneTail("reboot_history", runID, rebootHistoryCap); err != nil {
		s.log.Warn().Err(err).Str("run_id", runID).Msg("reboot history prune failed")
	}
	return nil
}

// RecentReboots returns up to limit of the newest reboot records for a
// run, oldest first.
func (s *Store) RecentReboots(ctx context.Context, runID string, limit int) ([]reboot.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT success, reason, detail, started_at, duration_ms,
			old_session_id, new_session_id, hook_results, error
		FROM reboot_history WHERE run_id = ? ORDER BY id DESC LIMIT ?`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent reboots %s: %w", runID, err)
	}
	defer rows.Close()

	var out []reboot.Result
	for rows.Next() {
		var (
			res        reboot.Result
			reason     string
			detail     sql.NullString
			durationMS int64
			oldID      sql.NullString
			newID      sql.NullString
			hookJSON   sql.NullString
			errStr     sql.NullString
		)
		if err := rows.Scan(&res.Success, &reason, &detail, &res.StartedAt,
			&durationMS, &oldID, &newID, &hookJSON, &errStr); err != nil {
			return nil, fmt.Errorf("store: recent reboots %s: %w", runID, err)
		}
		res.Reason = reboot.Reason(reason)
		res.Detail = detail.String
		res.Duration = time.Duration(durationMS) * time.Millisecond
		res.OldSessionID = oldID.String
		res.NewSessionID = newID.String
		res.Err = errStr.String
		if hookJSON.Valid {
			var hooksRes []hooks.Result
			if err := json.Unmarshal([]byte(hookJSON.String), &hooksRes); err == nil {
				res.HookResults = hooksRes
			}
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query, flipped so callers read chronologically.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
