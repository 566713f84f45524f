// Package reboot replaces a degraded agent session with a fresh one.
// The manager decides when a reboot is warranted, enforces rate limits
// so session churn cannot run away, and records every attempt.
package reboot

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/logging"
	"github.com/flywheeldev/flywheel/internal/redline"
	"github.com/flywheeldev/flywheel/internal/session"
)

// historyCap bounds how many reboot records are retained.
const historyCap = 100

// Reason names what triggered a reboot.
type Reason string

const (
	ReasonRedline     Reason = "redline"
	ReasonDegradation Reason = "degradation"
	ReasonIterations  Reason = "iteration_threshold"
	ReasonDuration    Reason = "duration_threshold"
	ReasonPattern     Reason = "output_pattern"
	ReasonManual      Reason = "manual"
)

// Config tunes automatic reboots.
type Config struct {
	Enabled bool `json:"enabled"`

	// Graceful inserts GracefulDelay before the session swap so the
	// agent can settle after its last unit of work.
	Graceful      bool          `json:"graceful"`
	GracefulDelay time.Duration `json:"graceful_delay"`

	// IterationThreshold reboots after this many iterations on one
	// session; DurationThreshold after this much session wall time.
	// Zero disables either trigger.
	IterationThreshold int           `json:"iteration_threshold"`
	DurationThreshold  time.Duration `json:"duration_threshold"`

	// OutputPatterns are regular expressions that trigger a reboot
	// when matched against iteration output.
	OutputPatterns []string `json:"output_patterns"`

	// MinInterval is the minimum spacing between successful reboots.
	// MaxPerHour caps successful reboots in any trailing hour.
	MinInterval time.Duration `json:"min_interval"`
	MaxPerHour  int           `json:"max_per_hour"`

	// FailureCooldown blocks attempts after a failure, multiplied by
	// the consecutive failure count. MaxConsecutiveFailures is the
	// fatal limit.
	FailureCooldown        time.Duration `json:"failure_cooldown"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
}

func (c Config) withDefaults() Config {
	if c.GracefulDelay <= 0 {
		c.GracefulDelay = 10 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Minute
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 10
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	return c
}

// Result records one reboot attempt. Appended to a bounded history and
// never mutated afterwards.
type Result struct {
	Success      bool           `json:"success"`
	Reason       Reason         `json:"reason"`
	Detail       string         `json:"detail,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
	OldSessionID string         `json:"old_session_id,omitempty"`
	NewSessionID string         `json:"new_session_id,omitempty"`
	HookResults  []hooks.Result `json:"hook_results,omitempty"`
	Err          string         `json:"error,omitempty"`
}

// Stats is a coherent snapshot of reboot counters.
type Stats struct {
	Attempts              int       `json:"attempts"`
	Successes             int       `json:"successes"`
	Failures              int       `json:"failures"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	IterationsSinceReboot int       `json:"iterations_since_reboot"`
	LastAttempt           time.Time `json:"last_attempt"`
	LastSuccess           time.Time `json:"last_success"`
}

// SwapFunc performs the underlying session replacement and returns the
// old and new session ids.
type SwapFunc func(ctx context.Context) (oldID, newID string, err error)

// SessionSwap adapts a session manager into a SwapFunc: graceful end of
// the current session, then a fresh create.
func SessionSwap(m *session.Manager) SwapFunc {
	return func(ctx context.Context) (string, string, error) {
		oldID := ""
		if h := m.Current(); h != nil {
			oldID = h.ID
		}
		if err := m.EndCurrent(ctx); err != nil {
			return oldID, "", fmt.Errorf("end current session: %w", err)
		}
		h, err := m.CreateFresh(ctx)
		if err != nil {
			return oldID, "", err
		}
		return oldID, h.ID, nil
	}
}

// Manager owns the reboot decision and its bookkeeping. Set the public
// collaborator fields before first use; Swap is the only required one.
type Manager struct {
	// Swap replaces the session. Required.
	Swap SwapFunc

	// Hooks runs pre- and post-reboot hooks. Optional.
	Hooks *hooks.Runner

	// Detector is reset after every successful reboot. Optional.
	Detector *redline.Detector

	// OnAttempt, when set, is called as a reboot attempt actually begins,
	// after the trigger survived rate limiting and before pre-hooks run.
	OnAttempt func(reason Reason, detail string)

	// RunID tags hook payloads and log lines.
	RunID string

	cfg Config
	log zerolog.Logger

	patterns []*regexp.Regexp

	mu            sync.Mutex
	iterSince     int
	lastIteration int
	sessionStart  time.Time
	lastAttempt   time.Time
	lastSuccess   time.Time
	history       []Result
	stats         Stats
}

// NewManager builds a manager with defaults applied. Invalid output
// patterns are dropped with a warning rather than failing the run.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg: cfg.withDefaults(),
		log: logging.Component("reboot"),
	}
	for _, p := range cfg.OutputPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			m.log.Warn().Str("pattern", p).Err(err).Msg("ignoring invalid reboot trigger pattern")
			continue
		}
		m.patterns = append(m.patterns, re)
	}
	return m
}

// SessionStarted stamps a new session epoch: iteration and duration
// triggers count from here.
func (m *Manager) SessionStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterSince = 0
	m.sessionStart = time.Now()
}

// NoteIteration records that iteration n completed on the current
// session.
func (m *Manager) NoteIteration(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterSince++
	m.lastIteration = n
}

// CheckAndReboot decides whether this iteration warrants a reboot and,
// if so, performs it. A nil result means no reboot happened (no
// trigger, or rate limited). The error is non-nil only for the fatal
// consecutive-failure escalation.
func (m *Manager) CheckAndReboot(ctx context.Context, rl redline.Result, output string) (*Result, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	if err := m.escalatedLocked(); err != nil {
		return nil, err
	}

	reason, detail, ok := m.trigger(rl, output)
	if !ok {
		return nil, nil
	}
	if blocked, why := m.rateLimited(time.Now()); blocked {
		m.log.Debug().Str("reason", string(reason)).Str("blocked_by", why).Msg("reboot trigger rate limited")
		return nil, nil
	}
	return m.reboot(ctx, reason, detail)
}

// ManualReboot performs a user-requested reboot. It bypasses trigger
// detection and rate limits but still honors the failure escalation.
func (m *Manager) ManualReboot(ctx context.Context) (*Result, error) {
	if err := m.escalatedLocked(); err != nil {
		return nil, err
	}
	return m.reboot(ctx, ReasonManual, "requested by user")
}

// History returns the retained reboot records, oldest first.
func (m *Manager) History() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, len(m.history))
	copy(out, m.history)
	return out
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.IterationsSinceReboot = m.iterSince
	s.LastAttempt = m.lastAttempt
	s.LastSuccess = m.lastSuccess
	return s
}

// trigger finds the highest-priority reboot reason, if any: redline
// pressure, then degradation, then the local iteration, duration, and
// output-pattern thresholds.
func (m *Manager) trigger(rl redline.Result, output string) (Reason, string, bool) {
	wantsReboot := rl.Recommendation == redline.ImmediateReboot || rl.Recommendation == redline.FinishAndReboot
	if wantsReboot {
		switch {
		case rl.IsRedline:
			return ReasonRedline, fmt.Sprintf("context usage %.1f%%", rl.UsagePercent), true
		case rl.DegradationDetected:
			return ReasonDegradation, "sustained output degradation", true
		default:
			return ReasonRedline, fmt.Sprintf("context level %s", rl.Level), true
		}
	}

	m.mu.Lock()
	iterSince := m.iterSince
	sessionStart := m.sessionStart
	m.mu.Unlock()

	if t := m.cfg.IterationThreshold; t > 0 && iterSince >= t {
		return ReasonIterations, fmt.Sprintf("%d iterations on one session", iterSince), true
	}
	if d := m.cfg.DurationThreshold; d > 0 && !sessionStart.IsZero() && time.Since(sessionStart) >= d {
		return ReasonDuration, fmt.Sprintf("session older than %s", d), true
	}
	for _, re := range m.patterns {
		if re.MatchString(output) {
			return ReasonPattern, fmt.Sprintf("output matched %q", re.String()), true
		}
	}
	return "", "", false
}

// rateLimited applies, in order: the escalating failure cooldown, the
// minimum spacing from the last successful reboot, and the trailing
// hourly cap on successful reboots.
func (m *Manager) rateLimited(now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.stats.ConsecutiveFailures; n > 0 && !m.lastAttempt.IsZero() {
		cooldown := m.cfg.FailureCooldown * time.Duration(n)
		if now.Sub(m.lastAttempt) < cooldown {
			return true, fmt.Sprintf("failure cooldown %s", cooldown)
		}
	}
	if !m.lastSuccess.IsZero() && now.Sub(m.lastSuccess) < m.cfg.MinInterval {
		return true, fmt.Sprintf("min interval %s", m.cfg.MinInterval)
	}

	cutoff := now.Add(-time.Hour)
	recent := 0
	for _, r := range m.history {
		if r.Success && r.StartedAt.After(cutoff) {
			recent++
		}
	}
	if recent >= m.cfg.MaxPerHour {
		return true, fmt.Sprintf("hourly cap %d", m.cfg.MaxPerHour)
	}
	return false, ""
}

func (m *Manager) reboot(ctx context.Context, reason Reason, detail string) (*Result, error) {
	m.mu.Lock()
	m.stats.Attempts++
	m.lastAttempt = time.Now()
	iteration := m.lastIteration
	m.mu.Unlock()

	res := &Result{Reason: reason, Detail: detail, StartedAt: time.Now()}
	m.log.Info().Str("reason", string(reason)).Str("detail", detail).Msg("rebooting session")
	if m.OnAttempt != nil {
		m.OnAttempt(reason, detail)
	}

	hctx := hooks.Context{RunID: m.RunID, Iteration: iteration, Reason: string(reason)}

	pre := m.Hooks.Run(ctx, hooks.PointPreReboot, hctx)
	res.HookResults = append(res.HookResults, pre...)
	for _, hr := range pre {
		if !hr.Success {
			return m.fail(res, fmt.Errorf("pre-reboot hook %q failed: %s", hr.Hook, hr.Err))
		}
	}

	if m.cfg.Graceful {
		if err := sleepCtx(ctx, m.cfg.GracefulDelay); err != nil {
			return m.fail(res, fmt.Errorf("graceful delay: %w", err))
		}
	}

	if m.Swap == nil {
		return m.fail(res, fmt.Errorf("no session swap configured"))
	}
	oldID, newID, err := m.Swap(ctx)
	res.OldSessionID = oldID
	res.NewSessionID = newID
	if err != nil {
		return m.fail(res, fmt.Errorf("session swap: %w", err))
	}

	post := m.Hooks.Run(ctx, hooks.PointPostReboot, hctx)
	res.HookResults = append(res.HookResults, post...)

	res.Success = true
	res.Duration = time.Since(res.StartedAt)

	m.mu.Lock()
	m.stats.Successes++
	m.stats.ConsecutiveFailures = 0
	m.lastSuccess = res.StartedAt
	m.iterSince = 0
	m.sessionStart = time.Now()
	m.appendHistoryLocked(*res)
	m.mu.Unlock()

	if m.Detector != nil {
		m.Detector.Reset()
	}

	m.log.Info().
		Str("old_session", shortID(oldID)).
		Str("new_session", shortID(newID)).
		Dur("duration", res.Duration).
		Msg("reboot complete")
	return res, nil
}

// fail records a failed attempt. The returned error is nil unless the
// consecutive failure count reached the fatal limit.
func (m *Manager) fail(res *Result, cause error) (*Result, error) {
	res.Success = false
	res.Err = cause.Error()
	res.Duration = time.Since(res.StartedAt)

	m.mu.Lock()
	m.stats.Failures++
	m.stats.ConsecutiveFailures++
	consecutive := m.stats.ConsecutiveFailures
	m.appendHistoryLocked(*res)
	m.mu.Unlock()

	m.log.Warn().
		Str("reason", string(res.Reason)).
		Int("consecutive_failures", consecutive).
		Err(cause).
		Msg("reboot failed")

	if consecutive >= m.cfg.MaxConsecutiveFailures {
		return res, fmt.Errorf("%d consecutive reboot failures (limit %d), last: %v: %w",
			consecutive, m.cfg.MaxConsecutiveFailures, cause, ErrEscalated)
	}
	return res, nil
}

func (m *Manager) escalatedLocked() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("%d consecutive reboot failures (limit %d): %w",
			m.stats.ConsecutiveFailures, m.cfg.MaxConsecutiveFailures, ErrEscalated)
	}
	return nil
}

func (m *Manager) appendHistoryLocked(r Result) {
	m.history = append(m.history, r)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
