package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/flywheeldev/flywheel/internal/reboot"
)

// Snapshot is the serializable run state offered to persistence. The
// same shape restores a runner before start.
type Snapshot struct {
	RunID               string        `json:"run_id"`
	State               State         `json:"state"`
	Iteration           int           `json:"iteration"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	Skipped             int           `json:"skipped"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Reboots             int           `json:"reboots"`
	BusyTime            time.Duration `json:"busy_time"`
	SessionID           string        `json:"session_id,omitempty"`
	StopReason          string        `json:"stop_reason,omitempty"`
	ConditionProgress   float64       `json:"condition_progress"`
	StartedAt           time.Time     `json:"started_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Persister stores run snapshots and reboot history. The runner writes
// through it after every iteration and on terminal transitions; reads
// serve status and history surfaces. The store package provides the
// sqlite implementation.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, runID string) (*Snapshot, error)
	AppendReboot(ctx context.Context, runID string, res reboot.Result) error
	RecentReboots(ctx context.Context, runID string, limit int) ([]reboot.Result, error)
}

// Snapshot returns the serializable run state, read coherently.
func (r *Runner) Snapshot() Snapshot {
	var sessionID string
	if r.Sessions != nil {
		if h := r.Sessions.Current(); h != nil {
			sessionID = h.ID
		}
	}
	var progress float64
	if r.Evaluator != nil {
		progress = r.Evaluator.OverallProgress()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		RunID:               r.cfg.RunID,
		State:               r.state,
		Iteration:           r.stats.Iterations,
		Successes:           r.stats.Successes,
		Failures:            r.stats.Failures,
		Skipped:             r.stats.Skipped,
		ConsecutiveFailures: r.stats.ConsecutiveFailures,
		Reboots:             r.stats.Reboots,
		BusyTime:            r.stats.BusyTime,
		SessionID:           sessionID,
		StopReason:          r.stats.StopReason,
		ConditionProgress:   progress,
		StartedAt:           r.stats.StartedAt,
		UpdatedAt:           time.Now(),
	}
}

// Restore populates counters from a persisted snapshot so a new start
// continues the run where it left off. Legal only while startable.
func (r *Runner) Restore(snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Startable() {
		return fmt.Errorf("restore while %s: %w", r.state, ErrInvalidTransition)
	}
	r.stats.Iterations = snap.Iteration
	r.stats.Successes = snap.Successes
	r.stats.Failures = snap.Failures
	r.stats.Skipped = snap.Skipped
	r.stats.ConsecutiveFailures = snap.ConsecutiveFailures
	r.stats.Reboots = snap.Reboots
	r.stats.BusyTime = snap.BusyTime
	r.stats.StartedAt = snap.StartedAt
	return nil
}

func (r *Runner) persistSnapshot(ctx context.Context) {
	if r.Persist == nil {
		return
	}
	if err := r.Persist.SaveSnapshot(ctx, r.Snapshot()); err != nil {
		r.log.Warn().Err(err).Msg("persist snapshot failed")
	}
}
