// Package runner drives the agent loop. A Runner owns one run: it
// executes units of work against the current session, feeds the output
// to the redline detector and progress tracker, reboots the session
// when warranted, and stops when its conditions say so. External
// control arrives as commands serviced at iteration boundaries;
// everything observable leaves as broadcast events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/events"
	"github.com/flywheeldev/flywheel/internal/eventq"
	"github.com/flywheeldev/flywheel/internal/hexid"
	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/logging"
	"github.com/flywheeldev/flywheel/internal/notify"
	"github.com/flywheeldev/flywheel/internal/progress"
	"github.com/flywheeldev/flywheel/internal/reboot"
	"github.com/flywheeldev/flywheel/internal/redline"
	"github.com/flywheeldev/flywheel/internal/session"
	"github.com/flywheeldev/flywheel/internal/stopcond"
)

const (
	commandBuffer = 16

	// recentOutputCap bounds how much of the last iteration's output is
	// kept for output-pattern conditions.
	recentOutputCap = 64 * 1024

	sessionCleanupTimeout = 15 * time.Second
)

// Config tunes one run.
type Config struct {
	// RunID identifies the run in logs, events, and persistence.
	// Generated when empty.
	RunID string

	// Prompt is the unit-of-work instruction sent each iteration.
	Prompt string

	// MaxIterations caps the run independently of any stop condition.
	// 0 means no cap.
	MaxIterations int

	// IterationDelay is the pause between iterations. Default 1s.
	IterationDelay time.Duration

	// WorkDir anchors relative paths in file and script conditions.
	WorkDir string

	// EventBuffer sizes each event subscriber's channel.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RunID) == "" {
		c.RunID = hexid.New()
	}
	if c.IterationDelay <= 0 {
		c.IterationDelay = time.Second
	}
	return c
}

// Stats is a coherent snapshot of run counters.
type Stats struct {
	RunID               string        `json:"run_id"`
	State               State         `json:"state"`
	StartedAt           time.Time     `json:"started_at"`
	Iterations          int           `json:"iterations"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	Skipped             int           `json:"skipped"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Reboots             int           `json:"reboots"`
	BusyTime            time.Duration `json:"busy_time"`
	StopReason          string        `json:"stop_reason,omitempty"`
}

// WorkFunc executes one unit of work and returns its output. Swappable
// so tests can run the loop without a live agent process.
type WorkFunc func(ctx context.Context, iteration int, prompt string) (*session.Result, error)

// Recorder captures each iteration's raw output for offline
// inspection. The recording package provides the file implementation.
type Recorder interface {
	Capture(iteration int, output string, duration time.Duration, execErr error)
}

// Runner owns one loop run. Wire the collaborator fields before Start;
// Sessions (or a custom Work function) is required, everything else is
// optional and skipped when nil.
type Runner struct {
	// Sessions provides the agent session each iteration works against.
	Sessions *session.Manager

	// Evaluator decides when the run should stop.
	Evaluator *stopcond.Evaluator

	// Detector estimates context pressure from iteration output.
	Detector *redline.Detector

	// Reboots owns the reboot decision and its rate limits.
	Reboots *reboot.Manager

	// Hooks runs lifecycle hooks; a hook veto stops the run.
	Hooks *hooks.Runner

	// Notify receives fire-and-forget notifications on key events.
	Notify *notify.Sink

	// Progress summarizes iteration output for stop-condition context.
	Progress *progress.Tracker

	// Persist receives snapshots and reboot history when set.
	Persist Persister

	// Record receives each iteration's raw output when set.
	Record Recorder

	// Work overrides the default session-backed unit of work.
	Work WorkFunc

	// PromptFunc, when set, refreshes the prompt before each iteration.
	PromptFunc func(iteration int) string

	cfg Config
	log zerolog.Logger

	events   *events.Broadcaster
	commands chan Command

	mu         sync.Mutex
	state      State
	stats      Stats
	skipNext   bool
	userSignal bool
	runErr     error
	done       chan struct{}
	cancel     context.CancelFunc

	// lastSessionID, lastOutput, lastErr and lastSummary belong to the
	// control goroutine and the snapshot reader.
	lastSessionID string
	lastOutput    string
	lastErr       string
	lastSummary   progress.Summary
}

// New builds an idle runner for one run.
func New(cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:      cfg,
		log:      logging.Component("runner").With().Str("run_id", cfg.RunID).Logger(),
		events:   events.NewBroadcaster(cfg.EventBuffer),
		commands: make(chan Command, commandBuffer),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// RunID returns the run identifier.
func (r *Runner) RunID() string { return r.cfg.RunID }

// CurrentState returns the run's current lifecycle state.
func (r *Runner) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a coherent counter snapshot.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.RunID = r.cfg.RunID
	s.State = r.state
	return s
}

// Err returns the fatal error when the run ended in Error state.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Subscribe registers an event consumer. Slow consumers drop events
// rather than blocking the loop.
func (r *Runner) Subscribe() (<-chan events.Event, func()) {
	return r.events.Subscribe()
}

// Done returns a channel closed when the current run reaches a terminal
// state. Re-armed by each Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the run finishes or ctx ends, returning the final
// state and the fatal error, if any.
func (r *Runner) Wait(ctx context.Context) (State, error) {
	select {
	case <-ctx.Done():
		return r.CurrentState(), ctx.Err()
	case <-r.Done():
		return r.CurrentState(), r.Err()
	}
}

// SignalUser raises the user-signal flag. The next condition evaluation
// sees it; whether it stops the run is up to the configured conditions.
func (r *Runner) SignalUser() {
	r.mu.Lock()
	r.userSignal = true
	r.mu.Unlock()
}

// Start validates the current state and launches the control loop in
// its own goroutine. It returns immediately; watch Done or subscribe
// for lifecycle events. ctx bounds the whole run: cancelling it is the
// shutdown signal.
func (r *Runner) Start(ctx context.Context) error {
	if r.Sessions == nil && r.Work == nil {
		return errors.New("runner: no session manager or work function configured")
	}

	r.mu.Lock()
	if !r.state.Startable() {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("start while %s: %w", state, ErrInvalidTransition)
	}
	from := r.state
	r.state = StateRunning
	if r.stats.StartedAt.IsZero() {
		r.stats.StartedAt = time.Now()
	}
	r.stats.StopReason = ""
	r.runErr = nil
	r.done = make(chan struct{})
	done := r.done
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if r.Reboots != nil {
		r.Reboots.OnAttempt = r.rebootStarted
	}

	r.log.Info().Str("from", string(from)).Msg("run starting")
	r.emitStateChanged(from, StateRunning, "start")
	r.publish(events.KindRunStarted, 0, nil)
	r.Notify.Notify(notify.TriggerStarted, "Run started",
		fmt.Sprintf("run %s started", r.cfg.RunID))

	go r.run(runCtx, done)
	return nil
}

// Send queues a command for the control loop after validating it
// against the current state. Commands apply at the next iteration
// boundary, or immediately while paused or idle.
func (r *Runner) Send(cmd Command) error {
	known := false
	for _, c := range Commands() {
		if c == cmd {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%q: %w", cmd, ErrUnknownCommand)
	}

	if err := commandAllowed(cmd, r.CurrentState()); err != nil {
		return err
	}

	// Before the loop exists a stop applies directly.
	if cmd == CommandStop && r.stopFromIdle() {
		return nil
	}

	if !eventq.Offer(r.commands, cmd) {
		return errors.New("command queue full")
	}
	r.publish(events.KindCommandReceived, r.Stats().Iterations,
		map[string]any{"command": string(cmd)})
	return nil
}

// stopFromIdle applies a stop before any control loop exists. Returns
// false when the run is no longer idle, leaving the command to the
// regular queue.
func (r *Runner) stopFromIdle() bool {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return false
	}
	r.state = StateStopped
	r.stats.StopReason = "stop command"
	done := r.done
	r.mu.Unlock()

	r.publish(events.KindCommandReceived, 0, map[string]any{"command": string(CommandStop)})
	r.emitStateChanged(StateIdle, StateStopped, "stop command")
	r.publish(events.KindRunCompleted, 0, map[string]any{
		"reason": "stop command",
		"state":  string(StateStopped),
	})
	close(done)
	return true
}

// run is the control loop: one goroutine per run, iterations strictly
// sequential, shutdown checked with top priority every turn.
func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.cancelRun()

	if veto, ok := r.runHooks(ctx, hooks.PointLoopStart, "", nil); ok {
		r.finish(StateStopped, vetoReason(veto), nil, true)
		return
	}

	for {
		select {
		case <-ctx.Done():
			r.finish(StateStopped, "shutdown signal", nil, false)
			return
		default:
		}

		if r.drainCommands(ctx) {
			return
		}
		if r.CurrentState().Terminal() {
			return
		}

		if r.CurrentState() == StatePaused {
			select {
			case <-ctx.Done():
				r.finish(StateStopped, "shutdown signal", nil, false)
				return
			case cmd := <-r.commands:
				if r.applyCommand(ctx, cmd) {
					return
				}
			}
			continue
		}

		completed := r.Stats().Iterations
		if r.cfg.MaxIterations > 0 && completed >= r.cfg.MaxIterations {
			r.finish(StateCompleted,
				fmt.Sprintf("iteration cap %d reached", r.cfg.MaxIterations), nil, true)
			return
		}

		if r.evaluateStop(ctx) {
			return
		}

		iter := completed + 1
		if r.consumeSkip() {
			r.publish(events.KindIterationSkipped, iter, nil)
			r.log.Debug().Int("iteration", iter).Msg("iteration skipped")
		} else if r.iterate(ctx, iter) {
			return
		}

		r.persistSnapshot(ctx)

		if r.interIterationWait(ctx) {
			return
		}
	}
}

// iterate performs one unit of work plus its post-processing. Returns
// true when the run reached a terminal state.
func (r *Runner) iterate(ctx context.Context, iter int) bool {
	r.publish(events.KindIterationStarted, iter, nil)
	r.log.Debug().Int("iteration", iter).Msg("iteration starting")

	if veto, ok := r.runHooks(ctx, hooks.PointPreIteration, "", map[string]any{"iteration": iter}); ok {
		r.finish(StateStopped, vetoReason(veto), nil, true)
		return true
	}

	prompt := r.prompt(iter)
	if strings.TrimSpace(prompt) == "" {
		r.finish(StateError, fmt.Sprintf("iteration %d: no prompt configured", iter), nil, true)
		return true
	}

	work := r.Work
	if work == nil {
		work = r.sessionWork
	}

	start := time.Now()
	res, execErr := work(ctx, iter, prompt)
	duration := time.Since(start)
	var output string
	if res != nil {
		output = res.Output
		if res.Duration > 0 {
			duration = res.Duration
		}
	}

	// A shutdown mid-unit is a stop, not an iteration failure.
	if execErr != nil && ctx.Err() != nil {
		r.finish(StateStopped, "shutdown signal", nil, false)
		return true
	}

	success := execErr == nil
	var summary progress.Summary
	if r.Progress != nil {
		summary = r.Progress.Observe(output, execErr)
	}

	r.mu.Lock()
	r.stats.Iterations++
	r.stats.BusyTime += duration
	if success {
		r.stats.Successes++
		r.stats.ConsecutiveFailures = 0
	} else {
		r.stats.Failures++
		r.stats.ConsecutiveFailures++
	}
	r.lastOutput = tail(output, recentOutputCap)
	r.lastErr = ""
	if execErr != nil {
		r.lastErr = execErr.Error()
	}
	r.lastSummary = summary
	r.mu.Unlock()

	if r.Record != nil {
		r.Record.Capture(iter, output, duration, execErr)
	}

	if execErr != nil {
		// Iteration failures feed the failure streak but never stop the
		// run on their own.
		r.log.Warn().Int("iteration", iter).Err(execErr).Msg("iteration failed")
	}

	if r.checkReboot(ctx, iter, output, duration) {
		return true
	}

	r.publish(events.KindIterationCompleted, iter, map[string]any{
		"success":  success,
		"duration": duration.String(),
	})

	if veto, ok := r.runHooks(ctx, hooks.PointPostIteration, "", map[string]any{
		"iteration": iter,
		"success":   success,
	}); ok {
		r.finish(StateStopped, vetoReason(veto), nil, true)
		return true
	}
	return false
}

// sessionWork is the default unit of work: get or create the current
// session and send it the prompt.
func (r *Runner) sessionWork(ctx context.Context, _ int, prompt string) (*session.Result, error) {
	h, err := r.Sessions.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	if h.ID != r.lastSessionID {
		r.lastSessionID = h.ID
		if r.Reboots != nil {
			r.Reboots.SessionStarted()
		}
	}
	return h.Execute(ctx, prompt)
}

// evaluateStop asks the evaluator for a verdict and finishes the run
// when it says stop. The success flag picks Completed or Error.
func (r *Runner) evaluateStop(ctx context.Context) bool {
	if r.Evaluator == nil {
		return false
	}
	res := r.Evaluator.Evaluate(ctx, r.evalContext())
	if !res.ShouldStop {
		return false
	}

	r.publish(events.KindConditionTriggered, r.Stats().Iterations, map[string]any{
		"triggered_by": res.TriggeredBy,
		"reason":       res.Reason,
		"pool":         string(res.Pool),
		"is_success":   res.IsSuccess,
	})

	reason := res.Reason
	if reason == "" {
		reason = res.TriggeredBy
	}
	if res.IsSuccess {
		r.finish(StateCompleted, reason, nil, true)
	} else {
		r.finish(StateError, reason, nil, true)
	}
	return true
}

// checkReboot runs the redline check on the iteration output and lets
// the reboot manager act on it. Returns true on fatal escalation.
func (r *Runner) checkReboot(ctx context.Context, iter int, output string, latency time.Duration) bool {
	var rl redline.Result
	if r.Detector != nil {
		rl = r.Detector.Check(output, latency)
		if rl.IsRedline {
			r.log.Warn().Float64("usage", rl.UsagePercent).Msg("context redline")
		}
	}
	if r.Reboots == nil {
		return false
	}
	r.Reboots.NoteIteration(iter)
	res, err := r.Reboots.CheckAndReboot(ctx, rl, output)
	return r.afterReboot(ctx, iter, res, err)
}

// rebootStarted is installed as the reboot manager's attempt callback:
// the state changes to Rebooting only when an attempt actually begins.
func (r *Runner) rebootStarted(reason reboot.Reason, detail string) {
	if r.CurrentState() == StateRunning {
		if err := r.transition(StateRebooting, string(reason)); err != nil {
			r.log.Warn().Err(err).Msg("reboot transition rejected")
		}
	}
	r.publish(events.KindRebootStarted, r.Stats().Iterations, map[string]any{
		"reason": string(reason),
		"detail": detail,
	})
}

// afterReboot settles state and bookkeeping after a reboot attempt.
// res is nil when nothing was attempted. A non-nil err is the fatal
// consecutive-failure escalation.
func (r *Runner) afterReboot(ctx context.Context, iter int, res *reboot.Result, err error) bool {
	if res != nil {
		r.publish(events.KindRebootCompleted, iter, map[string]any{
			"success":     res.Success,
			"reason":      string(res.Reason),
			"old_session": res.OldSessionID,
			"new_session": res.NewSessionID,
			"duration":    res.Duration.String(),
		})
		if res.Success {
			r.mu.Lock()
			r.stats.Reboots++
			r.mu.Unlock()
			r.lastSessionID = res.NewSessionID
			r.Notify.Notify(notify.TriggerRebooted, "Session rebooted",
				fmt.Sprintf("run %s: %s (%s)", r.cfg.RunID, res.Reason, res.Detail))
		}
		if err == nil && r.CurrentState() == StateRebooting {
			if terr := r.transition(StateRunning, "reboot finished"); terr != nil {
				r.log.Warn().Err(terr).Msg("post-reboot transition rejected")
			}
		}
		if r.Persist != nil {
			if perr := r.Persist.AppendReboot(ctx, r.cfg.RunID, *res); perr != nil {
				r.log.Warn().Err(perr).Msg("persist reboot history failed")
			}
		}
	}
	if err != nil {
		r.Notify.Notify(notify.TriggerSafetyLimitReached, "Reboot escalation", err.Error())
		r.finish(StateError, err.Error(), err, true)
		return true
	}
	return false
}

// drainCommands services queued commands before new work. Returns true
// when a command drove the run to a terminal state.
func (r *Runner) drainCommands(ctx context.Context) bool {
	for {
		select {
		case cmd := <-r.commands:
			if r.applyCommand(ctx, cmd) {
				return true
			}
		default:
			return false
		}
	}
}

// applyCommand executes one command at an iteration boundary. Commands
// that no longer fit the current state are dropped with a log line.
func (r *Runner) applyCommand(ctx context.Context, cmd Command) bool {
	r.log.Debug().Str("command", string(cmd)).Msg("servicing command")
	switch cmd {
	case CommandPause:
		if err := r.transition(StatePaused, "pause command"); err != nil {
			r.log.Debug().Err(err).Msg("pause dropped")
		}
	case CommandResume:
		if err := r.transition(StateRunning, "resume command"); err != nil {
			r.log.Debug().Err(err).Msg("resume dropped")
		}
	case CommandStop:
		r.finish(StateStopped, "stop command", nil, true)
		return true
	case CommandForceReboot:
		if r.CurrentState() != StateRunning {
			r.log.Debug().Msg("force-reboot dropped, not running")
			return false
		}
		if r.Reboots == nil {
			r.log.Warn().Msg("force-reboot dropped, reboots not configured")
			return false
		}
		res, err := r.Reboots.ManualReboot(ctx)
		return r.afterReboot(ctx, r.Stats().Iterations, res, err)
	case CommandSkipIteration:
		r.mu.Lock()
		r.skipNext = true
		r.mu.Unlock()
	}
	return false
}

// interIterationWait sleeps the configured delay between iterations.
// The wait is a command boundary: queued commands are serviced as they
// arrive. Returns true when the run reached a terminal state.
func (r *Runner) interIterationWait(ctx context.Context) bool {
	timer := time.NewTimer(r.cfg.IterationDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.finish(StateStopped, "shutdown signal", nil, false)
			return true
		case <-timer.C:
			return false
		case cmd := <-r.commands:
			if r.applyCommand(ctx, cmd) {
				return true
			}
		}
	}
}

// finish drives the run to a terminal state: transition, stop reason,
// final events and notifications, loop-end hooks, session cleanup, and
// a last snapshot. graceful=false skips the polite session end.
func (r *Runner) finish(to State, reason string, cause error, graceful bool) {
	if err := r.transition(to, reason); err != nil {
		// A racing command already ended the run; the first outcome wins.
		r.log.Debug().Err(err).Msg("terminal transition rejected")
		return
	}

	r.mu.Lock()
	r.stats.StopReason = reason
	if to == StateError {
		if cause == nil {
			cause = errors.New(reason)
		}
		r.runErr = cause
	}
	iterations := r.stats.Iterations
	r.mu.Unlock()

	// The run context may already be gone; finalization gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), sessionCleanupTimeout)
	defer cancel()

	switch to {
	case StateCompleted:
		r.publish(events.KindRunCompleted, iterations, map[string]any{
			"reason": reason,
			"state":  string(to),
		})
		r.Notify.Notify(notify.TriggerCompleted, "Run completed",
			fmt.Sprintf("run %s completed after %d iterations: %s", r.cfg.RunID, iterations, reason))
	case StateError:
		r.publish(events.KindRunError, iterations, map[string]any{"reason": reason})
		r.Notify.Notify(notify.TriggerFailed, "Run failed",
			fmt.Sprintf("run %s failed: %s", r.cfg.RunID, reason))
	case StateStopped:
		r.publish(events.KindRunCompleted, iterations, map[string]any{
			"reason": reason,
			"state":  string(to),
		})
	}

	r.runHooks(ctx, hooks.PointLoopEnd, reason, nil)
	r.cleanupSessions(ctx, graceful)
	r.persistSnapshot(ctx)
	r.log.Info().Str("state", string(to)).Str("reason", reason).Msg("run finished")
}

func (r *Runner) cleanupSessions(ctx context.Context, graceful bool) {
	if r.Sessions == nil {
		return
	}
	if graceful {
		if err := r.Sessions.EndCurrent(ctx); err != nil {
			r.log.Debug().Err(err).Msg("graceful session end failed")
		}
	}
	r.Sessions.TerminateAll()
}

// transition moves the run to a new state, validating the edge and
// emitting a StateChanged event.
func (r *Runner) transition(to State, detail string) error {
	r.mu.Lock()
	from := r.state
	if !legalTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	r.state = to
	r.mu.Unlock()

	r.log.Info().Str("from", string(from)).Str("to", string(to)).Str("detail", detail).Msg("state changed")
	r.emitStateChanged(from, to, detail)
	return nil
}

func (r *Runner) emitStateChanged(from, to State, detail string) {
	r.publish(events.KindStateChanged, 0, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"detail": detail,
	})
}

// evalContext assembles the stop-condition view of the run.
func (r *Runner) evalContext() stopcond.Context {
	var stall int
	if r.Progress != nil {
		stall = r.Progress.Stall()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ec := stopcond.Context{
		Iteration:           r.stats.Iterations,
		ConsecutiveFailures: r.stats.ConsecutiveFailures,
		MadeProgress:        r.lastSummary.MadeProgress,
		NoProgressStreak:    stall,
		TestsPassed:         r.lastSummary.TestsPassed,
		FailingTests:        r.lastSummary.FailingTests,
		RecentOutput:        r.lastOutput,
		LastError:           r.lastErr,
		UserSignal:          r.userSignal,
		WorkDir:             r.cfg.WorkDir,
	}
	if !r.stats.StartedAt.IsZero() {
		ec.Elapsed = time.Since(r.stats.StartedAt)
	}
	return ec
}

// runHooks executes hooks for a point and reports the first veto.
func (r *Runner) runHooks(ctx context.Context, point hooks.Point, reason string, data map[string]any) (hooks.Result, bool) {
	if r.Hooks == nil {
		return hooks.Result{}, false
	}
	hctx := hooks.Context{
		RunID:     r.cfg.RunID,
		Iteration: r.Stats().Iterations,
		State:     string(r.CurrentState()),
		Reason:    reason,
		Data:      data,
	}
	return hooks.FirstVeto(r.Hooks.Run(ctx, point, hctx))
}

func (r *Runner) prompt(iter int) string {
	if r.PromptFunc != nil {
		return r.PromptFunc(iter)
	}
	return r.cfg.Prompt
}

func (r *Runner) consumeSkip() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.skipNext {
		return false
	}
	r.skipNext = false
	r.stats.Iterations++
	r.stats.Skipped++
	return true
}

func (r *Runner) publish(kind events.Kind, iteration int, data map[string]any) {
	r.events.Publish(events.New(kind, r.cfg.RunID, iteration, data))
}

func (r *Runner) cancelRun() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func vetoReason(res hooks.Result) string {
	return fmt.Sprintf("hook %q vetoed continuation", res.Hook)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
