package reboot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/redline"
)

// fakeSwap counts swaps and can be told to fail.
type fakeSwap struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeSwap) fn() SwapFunc {
	return func(context.Context) (string, string, error) {
		n := f.calls.Add(1)
		if f.fail.Load() {
			return "old", "", errors.New("spawn failed")
		}
		return fmt.Sprintf("old-%d", n), fmt.Sprintf("new-%d", n), nil
	}
}

func testConfig() Config {
	return Config{
		Enabled:                true,
		MinInterval:            time.Nanosecond,
		MaxPerHour:             1000,
		FailureCooldown:        time.Nanosecond,
		MaxConsecutiveFailures: 3,
	}
}

func newTestManager(cfg Config) (*Manager, *fakeSwap) {
	swap := &fakeSwap{}
	m := NewManager(cfg)
	m.Swap = swap.fn()
	return m, swap
}

func redlineResult(rec redline.Recommendation, usage float64) redline.Result {
	level := redline.LevelFor(usage)
	return redline.Result{
		UsagePercent:   usage,
		Level:          level,
		IsRedline:      level == redline.LevelRedline,
		Recommendation: rec,
	}
}

func TestDisabledManagerNeverReboots(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m, swap := newTestManager(cfg)

	res, err := m.CheckAndReboot(context.Background(), redlineResult(redline.ImmediateReboot, 97), "")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, swap.calls.Load())
}

func TestNoTriggerNoReboot(t *testing.T) {
	m, swap := newTestManager(testConfig())

	res, err := m.CheckAndReboot(context.Background(), redlineResult(redline.Continue, 30), "all quiet")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, swap.calls.Load())
}

func TestRedlineTrigger(t *testing.T) {
	m, swap := newTestManager(testConfig())

	res, err := m.CheckAndReboot(context.Background(), redlineResult(redline.ImmediateReboot, 97), "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonRedline, res.Reason)
	assert.Equal(t, "old-1", res.OldSessionID)
	assert.Equal(t, "new-1", res.NewSessionID)
	assert.Equal(t, int64(1), swap.calls.Load())
}

func TestTriggerPriority(t *testing.T) {
	cfg := testConfig()
	cfg.OutputPatterns = []string{`RESTART ME`}
	m, _ := newTestManager(cfg)

	// Redline outranks degradation.
	rl := redlineResult(redline.ImmediateReboot, 97)
	rl.DegradationDetected = true
	reason, _, ok := m.trigger(rl, "RESTART ME")
	require.True(t, ok)
	assert.Equal(t, ReasonRedline, reason)

	// Degradation outranks the pattern.
	rl = redlineResult(redline.FinishAndReboot, 80)
	rl.DegradationDetected = true
	reason, _, ok = m.trigger(rl, "RESTART ME")
	require.True(t, ok)
	assert.Equal(t, ReasonDegradation, reason)

	// Pattern fires on its own.
	reason, _, ok = m.trigger(redlineResult(redline.Continue, 30), "please RESTART ME now")
	require.True(t, ok)
	assert.Equal(t, ReasonPattern, reason)
}

func TestIterationThresholdTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.IterationThreshold = 3
	m, swap := newTestManager(cfg)
	m.SessionStarted()

	calm := redlineResult(redline.Continue, 20)
	for i := 1; i <= 2; i++ {
		m.NoteIteration(i)
		res, err := m.CheckAndReboot(context.Background(), calm, "")
		require.NoError(t, err)
		assert.Nil(t, res, "iteration %d", i)
	}

	m.NoteIteration(3)
	res, err := m.CheckAndReboot(context.Background(), calm, "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, ReasonIterations, res.Reason)
	assert.Equal(t, int64(1), swap.calls.Load())

	// A successful reboot resets the iteration trigger.
	assert.Equal(t, 0, m.Stats().IterationsSinceReboot)
}

func TestDurationThresholdTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.DurationThreshold = 30 * time.Millisecond
	m, _ := newTestManager(cfg)
	m.SessionStarted()

	calm := redlineResult(redline.Continue, 20)
	res, err := m.CheckAndReboot(context.Background(), calm, "")
	require.NoError(t, err)
	assert.Nil(t, res)

	time.Sleep(50 * time.Millisecond)
	res, err = m.CheckAndReboot(context.Background(), calm, "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, ReasonDuration, res.Reason)
}

func TestMinIntervalSpacing(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 60 * time.Millisecond
	m, _ := newTestManager(cfg)

	hot := redlineResult(redline.ImmediateReboot, 97)
	deadline := time.Now().Add(350 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := m.CheckAndReboot(context.Background(), hot, "")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	history := m.History()
	require.GreaterOrEqual(t, len(history), 2)
	var prev time.Time
	for _, r := range history {
		require.True(t, r.Success)
		if !prev.IsZero() {
			assert.GreaterOrEqual(t, r.StartedAt.Sub(prev), cfg.MinInterval)
		}
		prev = r.StartedAt
	}
}

func TestHourlyCapOnSuccesses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerHour = 3
	m, swap := newTestManager(cfg)

	hot := redlineResult(redline.ImmediateReboot, 97)
	successes := 0
	for i := 0; i < 10; i++ {
		res, err := m.CheckAndReboot(context.Background(), hot, "")
		require.NoError(t, err)
		if res != nil {
			successes++
		}
	}
	assert.Equal(t, 3, successes)
	assert.Equal(t, int64(3), swap.calls.Load())
	assert.Equal(t, 3, m.Stats().Successes)
}

func TestFailureEscalationIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	m, swap := newTestManager(cfg)
	swap.fail.Store(true)

	hot := redlineResult(redline.ImmediateReboot, 97)

	res, err := m.CheckAndReboot(context.Background(), hot, "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	time.Sleep(time.Millisecond)

	res, err = m.CheckAndReboot(context.Background(), hot, "")
	require.NotNil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEscalated)

	// Every later call surfaces the escalation without new attempts.
	before := swap.calls.Load()
	_, err = m.CheckAndReboot(context.Background(), hot, "")
	assert.ErrorIs(t, err, ErrEscalated)
	assert.Equal(t, before, swap.calls.Load())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m, swap := newTestManager(testConfig())
	swap.fail.Store(true)

	hot := redlineResult(redline.ImmediateReboot, 97)
	_, err := m.CheckAndReboot(context.Background(), hot, "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().ConsecutiveFailures)

	swap.fail.Store(false)
	time.Sleep(time.Millisecond)
	res, err := m.CheckAndReboot(context.Background(), hot, "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, 0, m.Stats().ConsecutiveFailures)
}

func TestPreHookFailureAborts(t *testing.T) {
	m, swap := newTestManager(testConfig())
	m.Hooks = hooks.NewRunner([]hooks.Hook{
		{Name: "guard", Point: hooks.PointPreReboot, Command: "exit 1"},
	})
	m.SessionStarted()
	m.NoteIteration(1)

	res, err := m.CheckAndReboot(context.Background(), redlineResult(redline.ImmediateReboot, 97), "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err, "pre-reboot hook")
	assert.Zero(t, swap.calls.Load(), "swap must not run after a pre-hook failure")

	// The session epoch is untouched by the aborted attempt.
	assert.Equal(t, 1, m.Stats().IterationsSinceReboot)
	assert.Equal(t, 1, m.Stats().ConsecutiveFailures)
}

func TestPostHooksOnlyOnSwapSuccess(t *testing.T) {
	dir := t.TempDir()
	hk := hooks.NewRunner([]hooks.Hook{
		{Name: "after", Point: hooks.PointPostReboot, Command: "touch " + dir + "/post.txt"},
	})

	m, swap := newTestManager(testConfig())
	m.Hooks = hk
	swap.fail.Store(true)
	_, err := m.CheckAndReboot(context.Background(), redlineResult(redline.ImmediateReboot, 97), "")
	require.NoError(t, err)
	assert.NoFileExists(t, dir+"/post.txt")

	swap.fail.Store(false)
	time.Sleep(time.Millisecond)
	res, err := m.CheckAndReboot(context.Background(), redlineResult(redline.ImmediateReboot, 97), "")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.FileExists(t, dir+"/post.txt")
}

func TestManualRebootBypassesRateLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = time.Hour
	cfg.MaxPerHour = 1
	m, swap := newTestManager(cfg)

	res, err := m.ManualReboot(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, ReasonManual, res.Reason)

	res, err = m.ManualReboot(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, int64(2), swap.calls.Load())
}

func TestDetectorResetOnSuccess(t *testing.T) {
	m, _ := newTestManager(testConfig())
	m.Detector = redline.NewDetector(redline.Config{MinIterationsSinceReboot: 1})

	m.Detector.Check("Context: 96%", time.Second)
	require.Equal(t, 1, m.Detector.ChecksSinceReset())

	_, err := m.ManualReboot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Detector.ChecksSinceReset())
	assert.Zero(t, m.Detector.LastUsage())
}

func TestHistoryBounded(t *testing.T) {
	m, _ := newTestManager(testConfig())

	for i := 0; i < historyCap+20; i++ {
		_, err := m.ManualReboot(context.Background())
		require.NoError(t, err)
	}

	history := m.History()
	assert.Len(t, history, historyCap)
	assert.Equal(t, historyCap+20, m.Stats().Successes)
}

func TestStatsSnapshot(t *testing.T) {
	m, _ := newTestManager(testConfig())
	m.SessionStarted()
	m.NoteIteration(1)
	m.NoteIteration(2)

	s := m.Stats()
	assert.Equal(t, 2, s.IterationsSinceReboot)
	assert.Zero(t, s.Attempts)

	_, err := m.ManualReboot(context.Background())
	require.NoError(t, err)

	s = m.Stats()
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, 1, s.Successes)
	assert.False(t, s.LastSuccess.IsZero())
}
