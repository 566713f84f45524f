package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheeldev/flywheel/internal/agent"
	"github.com/flywheeldev/flywheel/internal/events"
	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/progress"
	"github.com/flywheeldev/flywheel/internal/reboot"
	"github.com/flywheeldev/flywheel/internal/redline"
	"github.com/flywheeldev/flywheel/internal/session"
	"github.com/flywheeldev/flywheel/internal/stopcond"
)

func testConfig() Config {
	return Config{Prompt: "keep going", IterationDelay: time.Millisecond}
}

// countingWork returns a WorkFunc that succeeds with fixed output and
// counts invocations.
func countingWork(calls *atomic.Int64, output string) WorkFunc {
	return func(context.Context, int, string) (*session.Result, error) {
		calls.Add(1)
		return &session.Result{Output: output, Duration: time.Millisecond}, nil
	}
}

func maxIterations(n int) *stopcond.Evaluator {
	return stopcond.NewEvaluator(stopcond.Pools{
		Normal: []stopcond.Condition{stopcond.MaxIterations(n)},
	}, stopcond.Options{})
}

// fakeSwap counts session swaps and can be told to fail.
type fakeSwap struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeSwap) fn() reboot.SwapFunc {
	return func(context.Context) (string, string, error) {
		n := f.calls.Add(1)
		if f.fail.Load() {
			return "old", "", errors.New("spawn failed")
		}
		return fmt.Sprintf("old-%d", n), fmt.Sprintf("new-%d", n), nil
	}
}

func rebootConfig() reboot.Config {
	return reboot.Config{
		Enabled:                true,
		MinInterval:            time.Nanosecond,
		MaxPerHour:             1000,
		FailureCooldown:        time.Nanosecond,
		MaxConsecutiveFailures: 3,
	}
}

// memPersister captures snapshots and reboot history in memory.
type memPersister struct {
	mu    sync.Mutex
	snaps []Snapshot
	boots []reboot.Result
}

func (p *memPersister) SaveSnapshot(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return nil
}

func (p *memPersister) LoadSnapshot(context.Context, string) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return nil, nil
	}
	last := p.snaps[len(p.snaps)-1]
	return &last, nil
}

func (p *memPersister) AppendReboot(_ context.Context, _ string, res reboot.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boots = append(p.boots, res)
	return nil
}

func (p *memPersister) RecentReboots(context.Context, string, int) ([]reboot.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]reboot.Result, len(p.boots))
	copy(out, p.boots)
	return out, nil
}

func (p *memPersister) last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snaps[len(p.snaps)-1]
}

// eventScanner consumes one subscription, remembering every state edge
// it scans past so tests can check them against the transition table.
type eventScanner struct {
	t     *testing.T
	ch    <-chan events.Event
	edges [][2]State
}

func newScanner(t *testing.T, r *Runner) *eventScanner {
	t.Helper()
	ch, cancel := r.Subscribe()
	t.Cleanup(cancel)
	return &eventScanner{t: t, ch: ch}
}

func (s *eventScanner) note(ev events.Event) {
	if ev.Kind != events.KindStateChanged {
		return
	}
	from, _ := ev.Data["from"].(string)
	to, _ := ev.Data["to"].(string)
	s.edges = append(s.edges, [2]State{State(from), State(to)})
}

func (s *eventScanner) await(kind events.Kind) events.Event {
	s.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.ch:
			require.True(s.t, ok, "event stream closed waiting for %s", kind)
			s.note(ev)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			s.t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func (s *eventScanner) awaitState(to State) {
	s.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.ch:
			require.True(s.t, ok, "event stream closed waiting for state %s", to)
			s.note(ev)
			if ev.Kind == events.KindStateChanged && ev.Data["to"] == string(to) {
				return
			}
		case <-deadline:
			s.t.Fatalf("state %s not reached within deadline", to)
		}
	}
}

// drain empties whatever the subscription has buffered so far.
func (s *eventScanner) drain() {
	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			s.note(ev)
		default:
			return
		}
	}
}

func (s *eventScanner) assertLegalEdges() {
	s.t.Helper()
	require.NotEmpty(s.t, s.edges, "expected at least one state change")
	for _, e := range s.edges {
		assert.True(s.t, legalTransition(e[0], e[1]), "observed transition %s -> %s", e[0], e[1])
	}
}

// waitDone blocks until the run finishes, failing the test on timeout.
func waitDone(t *testing.T, r *Runner) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, _ := r.Wait(ctx)
	require.NoError(t, ctx.Err(), "run did not finish in time")
	return state
}

func TestNewDefaults(t *testing.T) {
	r := New(Config{})
	assert.NotEmpty(t, r.RunID())
	assert.Equal(t, StateIdle, r.CurrentState())

	st := r.Stats()
	assert.Equal(t, r.RunID(), st.RunID)
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.Iterations)

	snap := r.Snapshot()
	assert.Equal(t, r.RunID(), snap.RunID)
	assert.Equal(t, StateIdle, snap.State)
}

func TestStartRequiresWorkSource(t *testing.T) {
	r := New(testConfig())
	require.Error(t, r.Start(context.Background()))
}

func TestStartOnlyFromStartableStates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	r := New(cfg)

	release := make(chan struct{})
	r.Work = func(ctx context.Context, _ int, _ string) (*session.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &session.Result{Output: "ok"}, nil
	}

	require.NoError(t, r.Start(context.Background()))
	err := r.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition, "second start must be rejected while running")

	close(release)
	require.Equal(t, StateCompleted, waitDone(t, r))

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed runs cannot be restarted")
}

func TestRunCompletesAtIterationCap(t *testing.T) {
	var calls atomic.Int64
	cfg := testConfig()
	cfg.MaxIterations = 3
	r := New(cfg)
	r.Work = countingWork(&calls, "ok")
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	st := r.Stats()
	assert.Equal(t, 3, st.Iterations)
	assert.Equal(t, 3, st.Successes)
	assert.Zero(t, st.Failures)
	assert.Equal(t, int64(3), calls.Load())
	assert.Contains(t, st.StopReason, "iteration cap")
	assert.Positive(t, st.BusyTime)

	ev := s.await(events.KindRunCompleted)
	assert.Equal(t, string(StateCompleted), ev.Data["state"])
	s.drain()
	s.assertLegalEdges()
}

func TestMaxIterationsCondition(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = countingWork(&calls, "ok")
	r.Evaluator = maxIterations(3)
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	assert.Equal(t, int64(3), calls.Load(), "exactly three units of work")
	assert.Equal(t, 3, r.Stats().Iterations)

	ev := s.await(events.KindConditionTriggered)
	assert.Equal(t, "max_iterations(3)", ev.Data["triggered_by"])
	assert.Equal(t, string(stopcond.PoolNormal), ev.Data["pool"])
	assert.Equal(t, true, ev.Data["is_success"])
}

func TestPauseResumeStop(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = countingWork(&calls, "ok")
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	s.await(events.KindIterationCompleted)

	require.NoError(t, r.Send(CommandPause))
	s.awaitState(StatePaused)

	frozen := r.Stats().Iterations
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, r.Stats().Iterations, "paused run must not iterate")

	require.NoError(t, r.Send(CommandResume))
	s.awaitState(StateRunning)

	require.NoError(t, r.Send(CommandStop))
	require.Equal(t, StateStopped, waitDone(t, r))
	assert.Equal(t, "stop command", r.Stats().StopReason)

	s.drain()
	s.assertLegalEdges()
}

func TestStopWhilePausedAppliesImmediately(t *testing.T) {
	var calls atomic.Int64
	cfg := testConfig()
	cfg.IterationDelay = time.Minute
	r := New(cfg)
	r.Work = countingWork(&calls, "ok")
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	s.await(events.KindIterationCompleted)

	require.NoError(t, r.Send(CommandPause))
	s.awaitState(StatePaused)

	require.NoError(t, r.Send(CommandStop))
	require.Equal(t, StateStopped, waitDone(t, r), "stop must not wait out the iteration delay")
}

func TestIterationFailuresFeedTheStreak(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = func(context.Context, int, string) (*session.Result, error) {
		calls.Add(1)
		return nil, errors.New("unit exploded")
	}
	r.Evaluator = stopcond.NewEvaluator(stopcond.Pools{
		Failure: []stopcond.Condition{stopcond.FailureStreak(3)},
	}, stopcond.Options{})
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateError, waitDone(t, r))

	st := r.Stats()
	assert.Equal(t, 3, st.Failures, "failures alone never stop the run early")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, int64(3), calls.Load())

	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "consecutive failures")

	ev := s.await(events.KindConditionTriggered)
	assert.Equal(t, "failure_streak(3)", ev.Data["triggered_by"])
	assert.Equal(t, false, ev.Data["is_success"])
	s.await(events.KindRunError)
}

func TestSkipIterationConsumesSlot(t *testing.T) {
	var calls atomic.Int64
	cfg := testConfig()
	cfg.MaxIterations = 3
	cfg.IterationDelay = 5 * time.Millisecond
	r := New(cfg)
	r.Work = countingWork(&calls, "ok")
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Send(CommandSkipIteration))
	require.Equal(t, StateCompleted, waitDone(t, r))

	st := r.Stats()
	assert.Equal(t, 3, st.Iterations)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, int64(2), calls.Load())
	s.await(events.KindIterationSkipped)
}

func TestForceReboot(t *testing.T) {
	var calls atomic.Int64
	swap := &fakeSwap{}
	persist := &memPersister{}

	cfg := testConfig()
	cfg.MaxIterations = 3
	cfg.IterationDelay = 10 * time.Millisecond
	r := New(cfg)
	r.Work = countingWork(&calls, "ok")
	r.Persist = persist

	m := reboot.NewManager(rebootConfig())
	m.Swap = swap.fn()
	r.Reboots = m

	s := newScanner(t, r)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Send(CommandForceReboot))

	s.await(events.KindRebootStarted)
	ev := s.await(events.KindRebootCompleted)
	assert.Equal(t, true, ev.Data["success"])
	assert.Equal(t, string(reboot.ReasonManual), ev.Data["reason"])

	require.Equal(t, StateCompleted, waitDone(t, r))
	assert.Equal(t, 1, r.Stats().Reboots)

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, reboot.ReasonManual, hist[0].Reason)

	boots, err := persist.RecentReboots(context.Background(), r.RunID(), 10)
	require.NoError(t, err)
	require.Len(t, boots, 1)
	assert.True(t, boots[0].Success)

	s.drain()
	s.assertLegalEdges()
}

func TestAutoRebootOnRedline(t *testing.T) {
	var calls atomic.Int64
	swap := &fakeSwap{}

	cfg := testConfig()
	cfg.IterationDelay = 5 * time.Millisecond
	r := New(cfg)
	r.Work = func(_ context.Context, iter int, _ string) (*session.Result, error) {
		calls.Add(1)
		if iter == 1 {
			return &session.Result{Output: "status: Context: 96% used", Duration: time.Millisecond}, nil
		}
		return &session.Result{Output: "all quiet", Duration: time.Millisecond}, nil
	}

	detector := redline.NewDetector(redline.Config{MinIterationsSinceReboot: 1})
	r.Detector = detector
	m := reboot.NewManager(rebootConfig())
	m.Swap = swap.fn()
	m.Detector = detector
	r.Reboots = m
	r.Evaluator = maxIterations(2)

	s := newScanner(t, r)
	require.NoError(t, r.Start(context.Background()))

	ev := s.await(events.KindRebootCompleted)
	assert.Equal(t, string(reboot.ReasonRedline), ev.Data["reason"])

	require.Equal(t, StateCompleted, waitDone(t, r))
	assert.Equal(t, 1, r.Stats().Reboots)
	assert.Equal(t, int64(2), calls.Load())

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, reboot.ReasonRedline, hist[0].Reason)
	assert.Contains(t, hist[0].Detail, "96")

	// Reset after the reboot means only the post-reboot iteration counts.
	assert.Equal(t, 1, detector.ChecksSinceReset())

	s.drain()
	s.assertLegalEdges()
}

func TestRebootEscalationIsFatal(t *testing.T) {
	var calls atomic.Int64
	swap := &fakeSwap{}
	swap.fail.Store(true)

	cfg := rebootConfig()
	cfg.MaxConsecutiveFailures = 1
	cfg.OutputPatterns = []string{"REBOOT NOW"}
	m := reboot.NewManager(cfg)
	m.Swap = swap.fn()

	r := New(testConfig())
	r.Work = countingWork(&calls, "agent says REBOOT NOW")
	r.Reboots = m

	s := newScanner(t, r)
	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateError, waitDone(t, r))

	require.Error(t, r.Err())
	assert.ErrorIs(t, r.Err(), reboot.ErrEscalated)
	assert.Equal(t, int64(1), calls.Load())

	s.await(events.KindRunError)
	s.drain()
	s.assertLegalEdges()
}

func TestHookVetoStopsRun(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = countingWork(&calls, "ok")
	r.Hooks = hooks.NewRunner([]hooks.Hook{
		{Name: "gate", Point: hooks.PointPreIteration, Command: "exit 1"},
	})

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateStopped, waitDone(t, r))

	assert.Contains(t, r.Stats().StopReason, `hook "gate" vetoed`)
	assert.Zero(t, calls.Load(), "the veto fires before any work runs")
}

func TestUserSignalStopsViaCondition(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = countingWork(&calls, "ok")
	r.Evaluator = stopcond.NewEvaluator(stopcond.Pools{
		Success: []stopcond.Condition{stopcond.UserSignal()},
	}, stopcond.Options{})
	r.SignalUser()
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	assert.Zero(t, calls.Load(), "the signal is seen before any work starts")
	ev := s.await(events.KindConditionTriggered)
	assert.Equal(t, "user_signal", ev.Data["triggered_by"])
	assert.Equal(t, "user stop signal received", r.Stats().StopReason)
}

func TestAnyAttributesTriggeringLeaf(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = countingWork(&calls, "wrapping up: DONE")
	r.Evaluator = stopcond.NewEvaluator(stopcond.Pools{
		Success: []stopcond.Condition{
			stopcond.Any(stopcond.OutputPattern("DONE"), stopcond.MaxDuration(time.Hour)),
		},
	}, stopcond.Options{})
	s := newScanner(t, r)

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	assert.Equal(t, int64(1), calls.Load(), "the pattern hit on the first pass after output appeared")
	ev := s.await(events.KindConditionTriggered)
	assert.Equal(t, "output_pattern(DONE)", ev.Data["triggered_by"])
}

func TestMissingPromptIsFatal(t *testing.T) {
	var calls atomic.Int64
	r := New(Config{IterationDelay: time.Millisecond})
	r.Work = countingWork(&calls, "ok")

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateError, waitDone(t, r))

	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "no prompt")
	assert.Zero(t, calls.Load())
}

func TestShutdownSignalStopsRun(t *testing.T) {
	var calls atomic.Int64
	r := New(testConfig())
	r.Work = countingWork(&calls, "ok")
	s := newScanner(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	s.await(events.KindIterationCompleted)
	cancel()

	require.Equal(t, StateStopped, waitDone(t, r))
	assert.Equal(t, "shutdown signal", r.Stats().StopReason)
}

func TestSendValidation(t *testing.T) {
	r := New(testConfig())

	assert.ErrorIs(t, r.Send(Command("purge")), ErrUnknownCommand)
	assert.ErrorIs(t, r.Send(CommandPause), ErrInvalidTransition)
	assert.ErrorIs(t, r.Send(CommandResume), ErrInvalidTransition)
	assert.ErrorIs(t, r.Send(CommandForceReboot), ErrInvalidTransition)
	assert.ErrorIs(t, r.Send(CommandSkipIteration), ErrInvalidTransition)

	// A stop before any start applies synchronously.
	require.NoError(t, r.Send(CommandStop))
	assert.Equal(t, StateStopped, r.CurrentState())
	select {
	case <-r.Done():
	default:
		t.Fatal("done channel should be closed after an idle stop")
	}
	assert.ErrorIs(t, r.Send(CommandStop), ErrInvalidTransition)
}

func TestPersisterReceivesSnapshots(t *testing.T) {
	var calls atomic.Int64
	persist := &memPersister{}
	cfg := testConfig()
	cfg.MaxIterations = 2
	r := New(cfg)
	r.Work = countingWork(&calls, "ok")
	r.Persist = persist

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	last := persist.last()
	assert.Equal(t, r.RunID(), last.RunID)
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, 2, last.Iteration)
	assert.Equal(t, 2, last.Successes)
	assert.False(t, last.UpdatedAt.IsZero())
}

func TestSnapshotRestoreContinuesRun(t *testing.T) {
	var first atomic.Int64
	cfgA := testConfig()
	cfgA.MaxIterations = 2
	a := New(cfgA)
	a.Work = countingWork(&first, "tests: 2 passed")

	require.NoError(t, a.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, a))
	snap := a.Snapshot()
	assert.Equal(t, 2, snap.Iteration)

	var second atomic.Int64
	cfgB := testConfig()
	cfgB.RunID = snap.RunID
	b := New(cfgB)
	b.Work = countingWork(&second, "tests: 2 passed")
	b.Evaluator = maxIterations(3)
	require.NoError(t, b.Restore(snap))

	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, b))

	assert.Equal(t, int64(1), second.Load(), "only the third iteration runs after restore")
	assert.Equal(t, 3, b.Stats().Iterations)
	assert.Equal(t, 3, b.Stats().Successes)

	assert.ErrorIs(t, b.Restore(snap), ErrInvalidTransition, "restore is rejected once the run completed")
}

func TestRunWithShellAgent(t *testing.T) {
	spec := agent.Spec{
		Name:             "shell",
		Command:          "/bin/sh",
		CompletionMarker: `^UNIT-DONE$`,
		ExitCommand:      "exit",
	}
	mgr := session.NewManager(spec, session.Config{ResponseTimeout: 10 * time.Second})
	t.Cleanup(mgr.TerminateAll)

	cfg := testConfig()
	cfg.Prompt = "echo working; echo UNIT-DONE"
	r := New(cfg)
	r.Sessions = mgr
	r.Evaluator = maxIterations(2)
	r.Progress = progress.NewTracker()

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	st := r.Stats()
	assert.Equal(t, 2, st.Iterations)
	assert.Equal(t, 2, st.Successes)
	assert.Positive(t, st.BusyTime)
	assert.Equal(t, 1, mgr.Stats().Created, "both iterations share one session")
}

// memRecorder captures Capture calls in memory.
type memRecorder struct {
	mu   sync.Mutex
	iter []int
	out  []string
	errs []error
}

func (m *memRecorder) Capture(iteration int, output string, _ time.Duration, execErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iter = append(m.iter, iteration)
	m.out = append(m.out, output)
	m.errs = append(m.errs, execErr)
}

func TestRecorderReceivesIterationOutput(t *testing.T) {
	rec := &memRecorder{}
	cfg := testConfig()
	cfg.MaxIterations = 3
	r := New(cfg)
	r.Work = func(_ context.Context, iter int, _ string) (*session.Result, error) {
		if iter == 2 {
			return &session.Result{Output: "boom"}, errors.New("unit failed")
		}
		return &session.Result{Output: fmt.Sprintf("output %d", iter)}, nil
	}
	r.Record = rec

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateCompleted, waitDone(t, r))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.iter, 3)
	assert.Equal(t, []int{1, 2, 3}, rec.iter)
	assert.Equal(t, "output 1", rec.out[0])
	assert.Equal(t, "boom", rec.out[1])
	assert.Error(t, rec.errs[1])
	assert.NoError(t, rec.errs[2])
}
