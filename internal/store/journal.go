package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flywheeldev/flywheel/internal/events"
)

// AppendEvent journals one lifecycle event and prunes the run's journal
// to the retention cap.
func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	var dataJSON sql.NullString
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("store: append event %s: %w", ev.RunID, err)
		}
		dataJSON = sql.NullString{String: string(data), Valid: true}
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, kind, iteration, at, data)
		VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, string(ev.Kind), ev.Iteration, at.UTC(), dataJSON,
	)
	if err != nil {
		return fmt.Errorf("store: append event %s: %w", ev.RunID, err)
	}

	if err := s.pruneTail("events", ev.RunID, eventJournalCap); err != nil {
		s.log.Warn().Err(err).Str("run_id", ev.RunID).Msg("event journal prune failed")
	}
	return nil
}

// RecentEvents returns up to limit of the newest journaled events for a
// run, oldest first.
func (s *Store) RecentEvents(ctx context.Context, runID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, iteration, at, data
		FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events %s: %w", runID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev       events.Event
			kind     string
			dataJSON sql.NullString
		)
		if err := rows.Scan(&kind, &ev.Iteration, &ev.Timestamp, &dataJSON); err != nil {
			return nil, fmt.Errorf("store: recent events %s: %w", runID, err)
		}
		ev.RunID = runID
		ev.Kind = events.Kind(kind)
		if dataJSON.Valid {
			var data map[string]any
			if err := json.Unmarshal([]byte(dataJSON.String), &data); err == nil {
				ev.Data = data
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Journal consumes a run's event subscription and writes every event
// until the channel closes or ctx ends. Meant to run in its own
// goroutine alongside the loop.
func (s *Store) Journal(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.AppendEvent(ctx, ev); err != nil {
				s.log.Warn().Err(err).Msg("event journal write failed")
			}
		}
	}
}
