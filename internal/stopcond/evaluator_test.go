package stopcond

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyPools(t *testing.T) {
	e := NewEvaluator(Pools{}, Options{})
	res := e.Evaluate(context.Background(), Context{Iteration: 99})
	assert.False(t, res.ShouldStop)
	assert.Empty(t, res.Results)
	assert.True(t, Pools{}.Empty())
}

func TestAnyWithOutputPatternTriggersInOnePass(t *testing.T) {
	pools := Pools{
		Normal: []Condition{Any(OutputPattern("DONE"), MaxDuration(time.Hour))},
	}
	e := NewEvaluator(pools, Options{})

	res := e.Evaluate(context.Background(), Context{
		Iteration:    2,
		Elapsed:      5 * time.Minute,
		RecentOutput: "build ok\nDONE\n",
	})

	require.True(t, res.ShouldStop)
	assert.Equal(t, "output_pattern(DONE)", res.TriggeredBy)
	assert.Equal(t, PoolNormal, res.Pool)
	assert.True(t, res.IsSuccess)
	assert.Len(t, res.Results, 1)
}

func TestMaxIterationsTriggeredBy(t *testing.T) {
	e := NewEvaluator(Pools{Normal: []Condition{MaxIterations(3)}}, Options{})

	res := e.Evaluate(context.Background(), Context{Iteration: 2})
	assert.False(t, res.ShouldStop)

	res = e.Evaluate(context.Background(), Context{Iteration: 3})
	require.True(t, res.ShouldStop)
	assert.Equal(t, "max_iterations(3)", res.TriggeredBy)
	assert.True(t, res.IsSuccess)
}

func TestPoolClassification(t *testing.T) {
	success := NewEvaluator(Pools{Success: []Condition{TestsAllPass()}}, Options{})
	res := success.Evaluate(context.Background(), Context{TestsPassed: 5})
	require.True(t, res.ShouldStop)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, PoolSuccess, res.Pool)

	failure := NewEvaluator(Pools{Failure: []Condition{FailureStreak(2)}}, Options{})
	res = failure.Evaluate(context.Background(), Context{ConsecutiveFailures: 3})
	require.True(t, res.ShouldStop)
	assert.False(t, res.IsSuccess)
	assert.Equal(t, PoolFailure, res.Pool)
}

func TestPriorityOrderAcrossPools(t *testing.T) {
	// The failure-pool error check outranks the normal-pool pattern
	// even though both would fire.
	pools := Pools{
		Normal:  []Condition{OutputPattern("X")},
		Failure: []Condition{OnError()},
	}
	e := NewEvaluator(pools, Options{})

	res := e.Evaluate(context.Background(), Context{RecentOutput: "X", LastError: "boom"})
	require.True(t, res.ShouldStop)
	assert.Equal(t, "on_error", res.TriggeredBy)
	assert.Equal(t, PoolFailure, res.Pool)
	assert.False(t, res.IsSuccess)

	// Sequential passes short-circuit, so the pattern was never checked.
	assert.Len(t, res.Results, 1)
}

func TestUserSignalOutranksLimits(t *testing.T) {
	pools := Pools{
		Normal: []Condition{MaxIterations(1), UserSignal()},
	}
	e := NewEvaluator(pools, Options{})

	res := e.Evaluate(context.Background(), Context{Iteration: 5, UserSignal: true})
	require.True(t, res.ShouldStop)
	assert.Equal(t, "user_signal", res.TriggeredBy)
}

func TestFileConditions(t *testing.T) {
	dir := t.TempDir()
	pools := Pools{
		Success: []Condition{FileCreated("done.marker")},
		Failure: []Condition{FileContains("build.log", "PANIC")},
	}
	e := NewEvaluator(pools, Options{})
	ec := Context{WorkDir: dir}

	res := e.Evaluate(context.Background(), ec)
	assert.False(t, res.ShouldStop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.log"), []byte("line\nPANIC: nil deref\n"), 0o644))
	res = e.Evaluate(context.Background(), ec)
	require.True(t, res.ShouldStop)
	assert.Equal(t, PoolFailure, res.Pool)
	assert.False(t, res.IsSuccess)

	require.NoError(t, os.Remove(filepath.Join(dir, "build.log")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.marker"), nil, 0o644))
	res = e.Evaluate(context.Background(), ec)
	require.True(t, res.ShouldStop)
	assert.Equal(t, PoolSuccess, res.Pool)
	assert.True(t, res.IsSuccess)
}

func TestCacheSkipsRepeatedScriptRuns(t *testing.T) {
	dir := t.TempDir()
	cond := CustomScript("echo ran >> cnt.txt; exit 1")
	ec := Context{WorkDir: dir}

	cached := NewEvaluator(Pools{Normal: []Condition{cond}}, Options{CacheTTL: time.Minute})
	cached.Evaluate(context.Background(), ec)
	cached.Evaluate(context.Background(), ec)
	assert.Equal(t, 1, countLines(t, filepath.Join(dir, "cnt.txt")))

	uncached := NewEvaluator(Pools{Normal: []Condition{cond}}, Options{})
	uncached.Evaluate(context.Background(), ec)
	uncached.Evaluate(context.Background(), ec)
	assert.Equal(t, 3, countLines(t, filepath.Join(dir, "cnt.txt")))
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return len(strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func TestParallelTimeoutTreatedAsNotMet(t *testing.T) {
	pools := Pools{Normal: []Condition{CustomScript("sleep 5; exit 0")}}
	e := NewEvaluator(pools, Options{Parallel: true, ConditionTimeout: 200 * time.Millisecond})

	start := time.Now()
	res := e.Evaluate(context.Background(), Context{})
	assert.False(t, res.ShouldStop)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Met)
	assert.Contains(t, res.Results[0].Reason, "evaluation error")
}

func TestParallelEvaluatesEverything(t *testing.T) {
	pools := Pools{
		Normal:  []Condition{MaxIterations(10), OutputPattern("NOPE")},
		Success: []Condition{TestsAllPass()},
	}
	e := NewEvaluator(pools, Options{Parallel: true, ConditionTimeout: time.Second})

	res := e.Evaluate(context.Background(), Context{Iteration: 4})
	assert.False(t, res.ShouldStop)
	assert.Len(t, res.Results, 3)
}

func TestOverallProgressIsMaxLeafProgress(t *testing.T) {
	pools := Pools{Normal: []Condition{MaxIterations(10), MaxDuration(10 * time.Minute)}}
	e := NewEvaluator(pools, Options{})

	res := e.Evaluate(context.Background(), Context{Iteration: 3, Elapsed: 6 * time.Minute})
	assert.False(t, res.ShouldStop)
	assert.InDelta(t, 0.6, res.OverallProgress, 1e-9)
	assert.InDelta(t, 0.6, e.OverallProgress(), 1e-9)
}

func TestPoolsValidate(t *testing.T) {
	bad := Pools{Failure: []Condition{MaxIterations(0)}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure pool")

	good := Pools{
		Normal:  []Condition{Any(OutputPattern("DONE"), MaxDuration(time.Hour))},
		Success: []Condition{TestsAllPass()},
	}
	assert.NoError(t, good.Validate())
}
