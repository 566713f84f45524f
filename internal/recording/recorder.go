// Package recording saves raw iteration output so a run can be
// inspected after the fact, including runs that ended in a crash.
package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
)

// Entry indexes one recorded iteration.
type Entry struct {
	Iteration int           `json:"iteration"`
	File      string        `json:"file"`
	Bytes     int           `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Failed    bool          `json:"failed"`
}

// Recorder writes one transcript file per iteration under a run
// directory. Writes are best effort; a full disk never interrupts the
// loop.
type Recorder struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates the transcript directory for a run.
func NewRecorder(baseDir, runID string) (*Recorder, error) {
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{
		dir: dir,
		log: logging.Component("recording"),
	}, nil
}

// Dir returns the directory transcripts are written to.
func (r *Recorder) Dir() string {
	return r.dir
}

// Capture writes one iteration's output with a small comment header.
func (r *Recorder) Capture(iteration int, output string, duration time.Duration, execErr error) {
	name := fmt.Sprintf("iter-%04d.log", iteration)
	path := filepath.Join(r.dir, name)

	header := fmt.Sprintf("# iteration %d\n# recorded_at %s\n# duration %s\n",
		iteration, time.Now().UTC().Format(time.RFC3339), duration)
	if execErr != nil {
		header += fmt.Sprintf("# error %s\n", execErr)
	}

	if err := os.WriteFile(path, []byte(header+"\n"+output), 0o644); err != nil {
		r.log.Warn().Err(err).Str("file", path).Msg("transcript write failed")
		return
	}

	r.mu.Lock()
	r.entries = append(r.entries, Entry{
		Iteration: iteration,
		File:      name,
		Bytes:     len(output),
		Duration:  duration,
		Failed:    execErr != nil,
	})
	r.mu.Unlock()
}

// Entries returns a snapshot of what has been recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Entry, len(r.entries))
	copy(cp, r.entries)
	return cp
}
