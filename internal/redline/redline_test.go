package redline

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForExactEdges(t *testing.T) {
	tests := []struct {
		usage float64
		want  Level
	}{
		{0, LevelLow},
		{50, LevelLow},
		{51, LevelMedium},
		{70, LevelMedium},
		{71, LevelHigh},
		{85, LevelHigh},
		{86, LevelWarning},
		{95, LevelWarning},
		{96, LevelRedline},
		{100, LevelRedline},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0f", tt.usage), func(t *testing.T) {
			assert.Equal(t, tt.want, LevelFor(tt.usage))
		})
	}
}

func TestLevelForMonotonic(t *testing.T) {
	prev := LevelFor(0)
	for u := 0.0; u <= 100; u += 0.5 {
		cur := LevelFor(u)
		require.GreaterOrEqual(t, int(cur), int(prev), "level decreased at usage %.1f", u)
		prev = cur
	}
}

func TestExplicitRedlineMarkerScenario(t *testing.T) {
	d := NewDetector(Config{MinIterationsSinceReboot: 1})

	res := d.Check("working...\nContext: 96%\nstill going", 2*time.Second)

	assert.True(t, res.IsRedline)
	assert.Equal(t, LevelRedline, res.Level)
	assert.Equal(t, ImmediateReboot, res.Recommendation)
	assert.InDelta(t, 96, res.UsagePercent, 0.01)
	assert.InDelta(t, 0.95, res.Confidence, 0.001)
}

func TestMinIterationsGuardSuppressesReboot(t *testing.T) {
	d := NewDetector(Config{MinIterationsSinceReboot: 3})

	res := d.Check("Context: 96%", time.Second)
	assert.Equal(t, Continue, res.Recommendation, "first iteration after boot must not reboot")
	assert.True(t, res.IsRedline, "level reporting is independent of the guard")

	d.Check("Context: 96%", time.Second)
	res = d.Check("Context: 97%", time.Second)
	assert.Equal(t, ImmediateReboot, res.Recommendation, "guard lifts once enough iterations passed")
}

func TestWarningLevelRecommendsFinishAndReboot(t *testing.T) {
	d := NewDetector(Config{MinIterationsSinceReboot: 1})

	res := d.Check("Context: 90%", time.Second)
	assert.Equal(t, LevelWarning, res.Level)
	assert.False(t, res.IsRedline)
	assert.Equal(t, FinishAndReboot, res.Recommendation)
}

func TestTokenEstimateAccumulates(t *testing.T) {
	d := NewDetector(Config{
		AssumedWindowTokens:      1000,
		CharsPerToken:            4,
		MinIterationsSinceReboot: 1,
	})

	chunk := strings.Repeat("a", 2000) // 500 tokens

	res := d.Check(chunk, time.Second)
	assert.InDelta(t, 50, res.UsagePercent, 0.01)
	assert.Equal(t, LevelLow, res.Level)
	assert.InDelta(t, tokenConfidence, res.Confidence, 0.01)

	res = d.Check(chunk, time.Second)
	assert.InDelta(t, 100, res.UsagePercent, 0.01)
	assert.True(t, res.IsRedline)
	assert.Equal(t, ImmediateReboot, res.Recommendation)
}

func TestDegradationLatencyInflation(t *testing.T) {
	d := NewDetector(Config{AnalysisSampleSize: 4, MinIterationsSinceReboot: 1})

	d.Check("Context: 60%", 100*time.Millisecond)
	d.Check("Context: 60%", 100*time.Millisecond)
	d.Check("Context: 61%", 200*time.Millisecond)
	res := d.Check("Context: 62%", 300*time.Millisecond)

	assert.True(t, res.DegradationDetected)
	assert.Equal(t, LevelMedium, res.Level)
	assert.Equal(t, FinishAndReboot, res.Recommendation, "degradation alone below warning finishes then reboots")
}

func TestDegradationQualityDrop(t *testing.T) {
	d := NewDetector(Config{AnalysisSampleSize: 4, MinIterationsSinceReboot: 1})

	rich := "implemented the parser\nadded tests for edge cases\nrefactored the config loader\n" +
		strings.Repeat("detail line with substance and variation\n", 12)

	d.Check(rich+"\nContext: 60%", time.Second)
	d.Check(rich+"\nContext: 60%", time.Second)
	d.Check("Context: 61%", time.Second)
	res := d.Check("Context: 62%", time.Second)

	assert.True(t, res.DegradationDetected)
}

func TestDegradationRequiresNonDecreasingUsage(t *testing.T) {
	d := NewDetector(Config{AnalysisSampleSize: 4, MinIterationsSinceReboot: 1})

	d.Check("Context: 60%", 100*time.Millisecond)
	d.Check("Context: 70%", 100*time.Millisecond)
	d.Check("Context: 40%", 200*time.Millisecond) // usage dipped, trend broken
	res := d.Check("Context: 45%", 300*time.Millisecond)

	assert.False(t, res.DegradationDetected)
}

func TestDegradationAtWarningEscalates(t *testing.T) {
	d := NewDetector(Config{AnalysisSampleSize: 4, MinIterationsSinceReboot: 1})

	d.Check("Context: 88%", 100*time.Millisecond)
	d.Check("Context: 89%", 100*time.Millisecond)
	d.Check("Context: 90%", 300*time.Millisecond)
	res := d.Check("Context: 90%", 300*time.Millisecond)

	assert.True(t, res.DegradationDetected)
	assert.Equal(t, LevelWarning, res.Level)
	assert.Equal(t, ImmediateReboot, res.Recommendation)
}

func TestResetClearsSessionState(t *testing.T) {
	d := NewDetector(Config{MinIterationsSinceReboot: 1})

	d.Check("Context: 80%", time.Second)
	d.Check("Context: 85%", time.Second)
	require.Equal(t, 2, d.ChecksSinceReset())
	require.NotZero(t, d.LastUsage())

	d.Reset()

	assert.Equal(t, 0, d.ChecksSinceReset())
	assert.Zero(t, d.LastUsage())
	assert.Empty(t, d.Samples())
}

func TestSampleWindowBounded(t *testing.T) {
	d := NewDetector(Config{AnalysisSampleSize: 3, MinIterationsSinceReboot: 1})

	for i := 0; i < 20; i++ {
		d.Check("Context: 50%", time.Second)
	}
	assert.LessOrEqual(t, len(d.Samples()), 6, "window must stay within twice the sample size")
}

func TestQualityScore(t *testing.T) {
	assert.Zero(t, QualityScore("   "))

	rich := strings.Repeat("a meaningful and distinct line of progress output\n", 10)
	repetitive := strings.Repeat("same line\n", 10)

	assert.Greater(t, QualityScore(rich), QualityScore(repetitive))
	assert.LessOrEqual(t, QualityScore(rich), 1.0)
}
