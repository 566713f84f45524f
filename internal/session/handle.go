// Package session wraps one external agent process behind a prompt-in,
// marker-out contract and manages the set of tracked sessions.
//
// The agent runs under a pty so interactive CLIs stream output unbuffered.
// A reader goroutine scans the pty line by line, strips ANSI sequences,
// keeps the context-usage estimate current, and feeds lines to whoever is
// waiting inside Execute.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/agent"
	"github.com/flywheeldev/flywheel/internal/debug"
	"github.com/flywheeldev/flywheel/internal/eventq"
	"github.com/flywheeldev/flywheel/internal/redline"
)

// State is the lifecycle state of one session.
type State string

const (
	StateCreating   State = "creating"
	StateReady      State = "ready"
	StateExecuting  State = "executing"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Live reports whether the session can still accept or perform work.
func (s State) Live() bool {
	switch s {
	case StateCreating, StateReady, StateExecuting, StatePaused:
		return true
	default:
		return false
	}
}

// Terminal reports whether the session is finished for good.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateError, StateTerminated:
		return true
	default:
		return false
	}
}

// maxLineSize bounds a single scanned output line. Agents can emit very
// long single-line payloads.
const maxLineSize = 1024 * 1024

// Config tunes session behavior. Zero fields take defaults.
type Config struct {
	// ResponseTimeout bounds one unit of work. Default 10m.
	ResponseTimeout time.Duration
	// GracePeriod is how long End waits after the exit command before
	// force-killing. Default 5s.
	GracePeriod time.Duration
	// MaxSessions caps simultaneously tracked sessions. Default 4.
	MaxSessions int
	// OutputBuffer is the line buffer between the pty reader and Execute.
	// Default 1024.
	OutputBuffer int
}

func (c Config) withDefaults() Config {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 1024
	}
	return c
}

// Result is the outcome of one unit of work.
type Result struct {
	Output   string
	Duration time.Duration
}

// Info is a point-in-time session snapshot for listings and the web API.
type Info struct {
	ID           string        `json:"id"`
	Agent        string        `json:"agent"`
	State        State         `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	PromptCount  int           `json:"prompt_count"`
	ExecTime     time.Duration `json:"exec_time"`
	ContextUsage float64       `json:"context_usage"`
}

// Handle wraps one live agent process.
type Handle struct {
	ID string

	spec   agent.Spec
	cfg    Config
	marker *regexp.Regexp
	log    zerolog.Logger

	mu           sync.RWMutex
	state        State
	ending       bool
	createdAt    time.Time
	lastActivity time.Time
	promptCount  int
	execTime     time.Duration
	contextPct   float64
	exitErr      error

	cmd         *exec.Cmd
	ptmx        *os.File
	lines       chan string
	done        chan struct{}
	cleanupOnce sync.Once
}

func newHandle(spec agent.Spec, cfg Config, log zerolog.Logger) *Handle {
	id := uuid.NewString()
	return &Handle{
		ID:    id,
		spec:  spec,
		cfg:   cfg,
		log:   log.With().Str("session_id", id[:8]).Logger(),
		state: StateCreating,
		lines: make(chan string, cfg.OutputBuffer),
		done:  make(chan struct{}),
	}
}

// start launches the agent under a pty and begins reading its output.
// ctx bounds the process lifetime: cancellation kills the process group.
func (h *Handle) start(ctx context.Context) error {
	marker, err := h.spec.Marker()
	if err != nil {
		return err
	}
	h.marker = marker

	cmd, err := h.spec.BuildCommand(ctx)
	if err != nil {
		return err
	}

	ptmx, err := pty.StartWithAttrs(cmd, nil, cmd.SysProcAttr)
	if err != nil {
		h.setState(StateError)
		return fmt.Errorf("session: start %s: %w", h.spec.Command, err)
	}

	now := time.Now()
	h.mu.Lock()
	h.cmd = cmd
	h.ptmx = ptmx
	h.createdAt = now
	h.lastActivity = now
	h.state = StateReady
	h.mu.Unlock()

	go h.readLoop()
	go h.reap()

	if p := strings.TrimSpace(h.spec.InitialPrompt); p != "" {
		if _, err := io.WriteString(ptmx, p+"\n"); err != nil {
			h.log.Warn().Err(err).Msg("initial prompt write failed")
		}
	}

	h.log.Info().Str("agent", h.spec.Name).Int("pid", cmd.Process.Pid).Msg("session started")
	debug.LogKV("session", "started", "session_id", h.ID, "pid", cmd.Process.Pid)
	return nil
}

// readLoop scans pty output until the stream closes. Every line is ANSI
// stripped, checked for a context marker, and offered to the Execute side.
// The loop never blocks on a slow consumer.
func (h *Handle) readLoop() {
	defer close(h.lines)

	dropped := 0
	scanner := bufio.NewScanner(h.ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(ansi.Strip(scanner.Text()), "\r")
		if pct, ok := redline.ParseMarker(line); ok {
			h.mu.Lock()
			h.contextPct = pct
			h.mu.Unlock()
		}
		if !eventq.Offer(h.lines, line) {
			dropped++
			if dropped == 1 || dropped%500 == 0 {
				debug.LogKV("session", "dropping output lines", "session_id", h.ID, "dropped", dropped)
			}
		}
	}
	// A pty read error here is the normal way to learn the child exited.
}

// reap waits for the process and records how the session ended.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exitErr = err
	switch {
	case h.state == StateTerminated:
	case h.ending:
		h.state = StateEnded
	case h.state == StateEnded:
	default:
		h.state = StateError
	}
	state := h.state
	h.mu.Unlock()

	close(h.done)
	h.cleanup()

	code, _ := agent.ExitCode(err)
	h.log.Info().Str("state", string(state)).Int("exit_code", code).Msg("session process exited")
	debug.LogKV("session", "exited", "session_id", h.ID, "state", state, "exit_code", code)
}

// Execute sends one prompt and collects output until the completion marker
// or the response timeout. On timeout the session is left in StateError and
// the caller decides whether to terminate it.
func (h *Handle) Execute(ctx context.Context, prompt string) (*Result, error) {
	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s in state %s: %w", h.ID[:8], state, ErrNotReady)
	}
	h.state = StateExecuting
	h.promptCount++
	h.mu.Unlock()

	// Stale lines from before this prompt must not satisfy its marker.
	eventq.Drain(h.lines)

	start := time.Now()
	if _, err := io.WriteString(h.ptmx, prompt+"\n"); err != nil {
		h.setState(StateError)
		return nil, fmt.Errorf("session %s: write prompt: %w", h.ID[:8], err)
	}
	debug.LogKV("session", "prompt sent", "session_id", h.ID, "bytes", len(prompt))

	var out strings.Builder
	timer := time.NewTimer(h.cfg.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.setState(StateError)
			return &Result{Output: out.String(), Duration: time.Since(start)},
				fmt.Errorf("session %s: %w", h.ID[:8], ctx.Err())

		case <-timer.C:
			h.setState(StateError)
			h.log.Warn().Dur("timeout", h.cfg.ResponseTimeout).Msg("unit of work timed out")
			return &Result{Output: out.String(), Duration: time.Since(start)},
				fmt.Errorf("session %s: no completion within %s: %w", h.ID[:8], h.cfg.ResponseTimeout, ErrTimeout)

		case line, ok := <-h.lines:
			if !ok {
				h.setState(StateError)
				return &Result{Output: out.String(), Duration: time.Since(start)},
					fmt.Errorf("session %s: %w", h.ID[:8], ErrExited)
			}
			out.WriteString(line)
			out.WriteByte('\n')
			if h.marker.MatchString(line) {
				dur := time.Since(start)
				h.mu.Lock()
				h.state = StateReady
				h.execTime += dur
				h.lastActivity = time.Now()
				h.mu.Unlock()
				return &Result{Output: out.String(), Duration: dur}, nil
			}
		}
	}
}

// End closes the session gracefully: exit command, grace period, then
// force-kill if the process is still alive.
func (h *Handle) End(ctx context.Context) error {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return nil
	}
	h.ending = true
	h.mu.Unlock()

	if ec := strings.TrimSpace(h.spec.ExitCommand); ec != "" {
		if _, err := io.WriteString(h.ptmx, ec+"\n"); err != nil {
			h.log.Debug().Err(err).Msg("exit command write failed, escalating to kill")
		}
	}

	grace := time.NewTimer(h.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.done:
		h.log.Info().Msg("session ended gracefully")
	case <-grace.C:
		h.log.Warn().Dur("grace", h.cfg.GracePeriod).Msg("grace period expired, killing session")
		h.Terminate()
	case <-ctx.Done():
		h.Terminate()
	}
	return nil
}

// Terminate force-kills the process group. Any non-ended state becomes
// StateTerminated.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.state != StateEnded {
		h.state = StateTerminated
	}
	cmd := h.cmd
	h.mu.Unlock()

	h.cleanup()
	if cmd != nil && cmd.Process != nil {
		agent.KillTree(cmd.Process.Pid)
	}
	debug.LogKV("session", "terminated", "session_id", h.ID)
}

func (h *Handle) cleanup() {
	h.cleanupOnce.Do(func() {
		if h.ptmx != nil {
			_ = h.ptmx.Close()
		}
	})
}

// Pause marks a ready session as paused so it will not accept work.
func (h *Handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return fmt.Errorf("session %s: pause from %s: %w", h.ID[:8], h.state, ErrNotReady)
	}
	h.state = StatePaused
	return nil
}

// Resume returns a paused session to ready.
func (h *Handle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePaused {
		return fmt.Errorf("session %s: resume from %s: %w", h.ID[:8], h.state, ErrNotReady)
	}
	h.state = StateReady
	return nil
}

// ContextUsage returns the last context percentage decoded from the output
// stream. It stays at its previous value when no new marker has appeared.
func (h *Handle) ContextUsage() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.contextPct
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Info returns a snapshot for listings.
func (h *Handle) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{
		ID:           h.ID,
		Agent:        h.spec.Name,
		State:        h.state,
		CreatedAt:    h.createdAt,
		LastActivity: h.lastActivity,
		PromptCount:  h.promptCount,
		ExecTime:     h.execTime,
		ContextUsage: h.contextPct,
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}
