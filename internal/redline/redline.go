// Package redline estimates how close the agent's context window is to
// capacity and recommends when to reboot the session.
//
// Detection is hybrid. An explicit percentage marker in the output is the
// strongest signal and is trusted outright when present. A token-count
// estimate accumulated from output length is always available but weak.
// A behavioral trend over recent samples (latency inflating while output
// quality falls) contributes a medium-confidence signal. The channels are
// combined as a confidence-weighted average unless the marker wins.
package redline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
)

// Level buckets a usage percentage.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelWarning
	LevelRedline
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelWarning:
		return "warning"
	case LevelRedline:
		return "redline"
	default:
		return "unknown"
	}
}

// LevelFor maps usage (0-100) into a Level. Boundaries are inclusive on the
// low side: 50 is still low, 95 is still warning.
func LevelFor(usage float64) Level {
	switch {
	case usage <= 50:
		return LevelLow
	case usage <= 70:
		return LevelMedium
	case usage <= 85:
		return LevelHigh
	case usage <= 95:
		return LevelWarning
	default:
		return LevelRedline
	}
}

// Recommendation is the detector's advice to the loop.
type Recommendation int

const (
	Continue Recommendation = iota
	FinishAndReboot
	ImmediateReboot
)

func (r Recommendation) String() string {
	switch r {
	case Continue:
		return "continue"
	case FinishAndReboot:
		return "finish_and_reboot"
	case ImmediateReboot:
		return "immediate_reboot"
	default:
		return "unknown"
	}
}

// Sample is one immutable observation of the session.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Iteration int           `json:"iteration"`
	Usage     float64       `json:"usage"`
	Quality   float64       `json:"quality"`
	Latency   time.Duration `json:"latency"`
}

// Result is the outcome of one Check call.
type Result struct {
	UsagePercent        float64        `json:"usage_percent"`
	Level               Level          `json:"level"`
	IsRedline           bool           `json:"is_redline"`
	DegradationDetected bool           `json:"degradation_detected"`
	Confidence          float64        `json:"confidence"`
	Recommendation      Recommendation `json:"recommendation"`
}

// Config tunes the detector. The behavioral thresholds are heuristics, not
// guarantees; treat them as defaults to adjust per agent.
type Config struct {
	// AssumedWindowTokens sizes the token-count estimate. Default 200000.
	AssumedWindowTokens int
	// CharsPerToken converts output length to tokens. Default 4.
	CharsPerToken float64
	// AnalysisSampleSize is the trend window N. Default 5.
	AnalysisSampleSize int
	// MarkerTrustConfidence is the confidence above which the explicit
	// marker is trusted outright instead of averaged. Default 0.9.
	MarkerTrustConfidence float64
	// MinIterationsSinceReboot suppresses reboot recommendations right
	// after a fresh session. Default 3.
	MinIterationsSinceReboot int
	// QualityDropRatio is the trailing-vs-leading quality drop that counts
	// as degrading. Default 0.20.
	QualityDropRatio float64
	// LatencyInflateRatio is the trailing-vs-leading latency growth that
	// counts as degrading. Default 0.50.
	LatencyInflateRatio float64
}

func (c Config) withDefaults() Config {
	if c.AssumedWindowTokens <= 0 {
		c.AssumedWindowTokens = 200000
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.AnalysisSampleSize <= 0 {
		c.AnalysisSampleSize = 5
	}
	if c.MarkerTrustConfidence <= 0 {
		c.MarkerTrustConfidence = 0.9
	}
	if c.MinIterationsSinceReboot <= 0 {
		c.MinIterationsSinceReboot = 3
	}
	if c.QualityDropRatio <= 0 {
		c.QualityDropRatio = 0.20
	}
	if c.LatencyInflateRatio <= 0 {
		c.LatencyInflateRatio = 0.50
	}
	return c
}

const (
	markerConfidence   = 0.95
	tokenConfidence    = 0.30
	behaviorConfidence = 0.50
)

// Detector accumulates per-session observations. One detector serves one
// run; Reset clears per-session state after a reboot.
type Detector struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	samples     []Sample
	accumTokens float64
	checks      int // Check calls since last Reset, proxies iterations since reboot
	lastUsage   float64
}

// NewDetector builds a detector with cfg, applying defaults to zero fields.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg: cfg.withDefaults(),
		log: logging.Component("redline"),
	}
}

// Check folds one iteration's output and latency into the estimate and
// returns the capacity verdict.
func (d *Detector) Check(output string, latency time.Duration) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checks++
	d.accumTokens += float64(len(output)) / d.cfg.CharsPerToken

	markerPct, markerOK := ParseMarker(output)
	tokenPct := d.accumTokens / float64(d.cfg.AssumedWindowTokens) * 100
	if tokenPct > 100 {
		tokenPct = 100
	}

	behaviorPct, behaviorConf := d.behaviorEstimate()

	var usage, confidence float64
	if markerOK && markerConfidence >= d.cfg.MarkerTrustConfidence {
		usage = markerPct
		confidence = markerConfidence
	} else {
		num := tokenPct * tokenConfidence
		den := tokenConfidence
		if markerOK {
			num += markerPct * markerConfidence
			den += markerConfidence
		}
		if behaviorConf > 0 {
			num += behaviorPct * behaviorConf
			den += behaviorConf
		}
		usage = num / den
		confidence = tokenConfidence
		if markerOK && markerConfidence > confidence {
			confidence = markerConfidence
		}
		if behaviorConf > confidence {
			confidence = behaviorConf
		}
	}
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}
	d.lastUsage = usage

	quality := QualityScore(output)
	d.samples = append(d.samples, Sample{
		Timestamp: time.Now(),
		Iteration: d.checks,
		Usage:     usage,
		Quality:   quality,
		Latency:   latency,
	})
	if max := d.cfg.AnalysisSampleSize * 2; len(d.samples) > max {
		d.samples = d.samples[len(d.samples)-max:]
	}

	degraded := d.degradationLocked()
	level := LevelFor(usage)

	res := Result{
		UsagePercent:        usage,
		Level:               level,
		IsRedline:           level == LevelRedline,
		DegradationDetected: degraded,
		Confidence:          confidence,
		Recommendation:      d.recommendLocked(level, degraded),
	}

	d.log.Debug().
		Float64("usage", usage).
		Str("level", level.String()).
		Bool("marker", markerOK).
		Bool("degraded", degraded).
		Str("recommendation", res.Recommendation.String()).
		Msg("capacity check")

	return res
}

// recommendLocked applies the reboot policy. Never recommends a reboot
// before MinIterationsSinceReboot checks have passed.
func (d *Detector) recommendLocked(level Level, degraded bool) Recommendation {
	if d.checks < d.cfg.MinIterationsSinceReboot {
		return Continue
	}
	if level == LevelRedline || (degraded && level >= LevelWarning) {
		return ImmediateReboot
	}
	if level == LevelWarning || degraded {
		return FinishAndReboot
	}
	return Continue
}

// behaviorEstimate derives a usage guess from latency and quality trends.
// Returns confidence 0 when there is not enough history.
func (d *Detector) behaviorEstimate() (float64, float64) {
	n := d.cfg.AnalysisSampleSize
	if len(d.samples) < n {
		return 0, 0
	}
	window := d.samples[len(d.samples)-n:]
	latencyRising := trailingAvgLatency(window) > leadingAvgLatency(window)
	qualityFalling := trailingAvgQuality(window) < leadingAvgQuality(window)

	switch {
	case latencyRising && qualityFalling:
		est := d.lastUsage + 10
		if est > 100 {
			est = 100
		}
		return est, behaviorConfidence
	case latencyRising || qualityFalling:
		return d.lastUsage, behaviorConfidence / 2
	default:
		return 0, 0
	}
}

// degradationLocked reports sustained degradation: usage never decreasing
// across the trend window AND quality dropping beyond QualityDropRatio or
// latency inflating beyond LatencyInflateRatio, trailing half vs leading
// half.
func (d *Detector) degradationLocked() bool {
	n := d.cfg.AnalysisSampleSize
	if len(d.samples) < n {
		return false
	}
	window := d.samples[len(d.samples)-n:]

	for i := 1; i < len(window); i++ {
		if window[i].Usage < window[i-1].Usage {
			return false
		}
	}

	leadQ, trailQ := leadingAvgQuality(window), trailingAvgQuality(window)
	qualityDegraded := leadQ > 0 && (leadQ-trailQ)/leadQ > d.cfg.QualityDropRatio

	leadL, trailL := leadingAvgLatency(window), trailingAvgLatency(window)
	latencyDegraded := leadL > 0 && (trailL-leadL)/leadL > d.cfg.LatencyInflateRatio

	return qualityDegraded || latencyDegraded
}

// Reset clears per-session state. Called after a successful reboot.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = nil
	d.accumTokens = 0
	d.checks = 0
	d.lastUsage = 0
	d.log.Debug().Msg("detector reset")
}

// LastUsage returns the most recent usage estimate.
func (d *Detector) LastUsage() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastUsage
}

// ChecksSinceReset reports how many samples have been folded in since the
// last Reset.
func (d *Detector) ChecksSinceReset() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checks
}

// Samples returns a copy of the retained observation window.
func (d *Detector) Samples() []Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sample, len(d.samples))
	copy(out, d.samples)
	return out
}

func leadingAvgLatency(w []Sample) float64  { return avgLatency(w[:len(w)/2]) }
func trailingAvgLatency(w []Sample) float64 { return avgLatency(w[len(w)/2:]) }
func leadingAvgQuality(w []Sample) float64  { return avgQuality(w[:len(w)/2]) }
func trailingAvgQuality(w []Sample) float64 { return avgQuality(w[len(w)/2:]) }

func avgLatency(s []Sample) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += float64(v.Latency)
	}
	return sum / float64(len(s))
}

func avgQuality(s []Sample) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v.Quality
	}
	return sum / float64(len(s))
}
