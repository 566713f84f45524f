package stopcond

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
)

// Pools groups conditions by what a hit means for the run: normal stops
// the run with the outcome undetermined, success marks it successful,
// failure marks it failed.
type Pools struct {
	Normal  []Condition `json:"normal,omitempty"`
	Success []Condition `json:"success,omitempty"`
	Failure []Condition `json:"failure,omitempty"`
}

// Empty reports whether no conditions are configured at all.
func (p Pools) Empty() bool {
	return len(p.Normal) == 0 && len(p.Success) == 0 && len(p.Failure) == 0
}

// Validate validates every condition across the three pools.
func (p Pools) Validate() error {
	for _, set := range []struct {
		pool  Pool
		conds []Condition
	}{
		{PoolNormal, p.Normal},
		{PoolSuccess, p.Success},
		{PoolFailure, p.Failure},
	} {
		for i := range set.conds {
			if err := set.conds[i].Validate(); err != nil {
				return fmt.Errorf("%s pool: %w", set.pool, err)
			}
		}
	}
	return nil
}

// Options tune how a pass over the pools runs.
type Options struct {
	// Parallel evaluates pool entries concurrently, bounding each by
	// ConditionTimeout. A timed-out condition counts as not met.
	Parallel         bool
	ConditionTimeout time.Duration

	// CacheTTL keeps results of filesystem and script conditions for a
	// short window so repeated passes skip the expensive work.
	CacheTTL time.Duration
}

const defaultConditionTimeout = 30 * time.Second

// ConditionResult reports one pool condition's evaluation.
type ConditionResult struct {
	Condition string  `json:"condition"`
	Pool      Pool    `json:"pool"`
	Met       bool    `json:"met"`
	Reason    string  `json:"reason,omitempty"`
	Progress  float64 `json:"progress"`
}

// EvaluationResult is the verdict of one pass over the pools.
type EvaluationResult struct {
	ShouldStop      bool              `json:"should_stop"`
	TriggeredBy     string            `json:"triggered_by,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	IsSuccess       bool              `json:"is_success"`
	Pool            Pool              `json:"pool,omitempty"`
	Results         []ConditionResult `json:"results,omitempty"`
	OverallProgress float64           `json:"overall_progress"`
	Duration        time.Duration     `json:"duration"`
}

// Evaluator runs the configured pools against per-iteration contexts.
// Entries are checked in a fixed per-kind priority order; the first hit
// decides the verdict and its pool decides the classification.
type Evaluator struct {
	opts    Options
	entries []poolEntry
	log     zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cacheEntry
	lastMax float64
}

type poolEntry struct {
	cond Condition
	pool Pool
}

type cacheEntry struct {
	out     outcome
	expires time.Time
}

// NewEvaluator builds an evaluator over the given pools. Entries keep
// their pool order (normal, success, failure) within equal priorities.
func NewEvaluator(pools Pools, opts Options) *Evaluator {
	if opts.Parallel && opts.ConditionTimeout <= 0 {
		opts.ConditionTimeout = defaultConditionTimeout
	}
	e := &Evaluator{
		opts:  opts,
		log:   logging.Component("conditions"),
		cache: make(map[string]cacheEntry),
	}
	for _, c := range pools.Normal {
		e.entries = append(e.entries, poolEntry{cond: c, pool: PoolNormal})
	}
	for _, c := range pools.Success {
		e.entries = append(e.entries, poolEntry{cond: c, pool: PoolSuccess})
	}
	for _, c := range pools.Failure {
		e.entries = append(e.entries, poolEntry{cond: c, pool: PoolFailure})
	}
	sort.SliceStable(e.entries, func(i, j int) bool {
		return e.entries[i].cond.priority() < e.entries[j].cond.priority()
	})
	return e
}

// Evaluate runs one pass. Sequential passes short-circuit after the
// first hit; parallel passes evaluate everything and pick the hit with
// the highest priority. Evaluation errors count as not met.
func (e *Evaluator) Evaluate(ctx context.Context, ec Context) EvaluationResult {
	start := time.Now()
	pt := &progressTracker{}

	outs := make([]outcome, len(e.entries))
	evaluated := make([]bool, len(e.entries))

	if e.opts.Parallel {
		var wg sync.WaitGroup
		for i := range e.entries {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cctx, cancel := context.WithTimeout(ctx, e.opts.ConditionTimeout)
				defer cancel()
				outs[i] = e.evalNode(cctx, e.entries[i].cond, ec, pt)
				evaluated[i] = true
			}(i)
		}
		wg.Wait()
	} else {
		for i := range e.entries {
			if ctx.Err() != nil {
				break
			}
			outs[i] = e.evalNode(ctx, e.entries[i].cond, ec, pt)
			evaluated[i] = true
			if outs[i].met {
				break
			}
		}
	}

	res := EvaluationResult{OverallProgress: pt.Max()}
	for i, en := range e.entries {
		if !evaluated[i] {
			continue
		}
		res.Results = append(res.Results, ConditionResult{
			Condition: en.cond.String(),
			Pool:      en.pool,
			Met:       outs[i].met,
			Reason:    outs[i].reason,
			Progress:  outs[i].progress,
		})
		if outs[i].met && !res.ShouldStop {
			res.ShouldStop = true
			res.TriggeredBy = outs[i].trigger
			res.Reason = outs[i].reason
			res.Pool = en.pool
			res.IsSuccess = en.pool != PoolFailure
		}
	}
	res.Duration = time.Since(start)

	e.mu.Lock()
	e.lastMax = res.OverallProgress
	e.mu.Unlock()

	if res.ShouldStop {
		e.log.Info().
			Str("triggered_by", res.TriggeredBy).
			Str("pool", string(res.Pool)).
			Str("reason", res.Reason).
			Msg("stop condition met")
	}
	return res
}

// OverallProgress reports the maximum leaf progress seen in the most
// recent pass. Zero before the first pass.
func (e *Evaluator) OverallProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMax
}

func (e *Evaluator) evalNode(ctx context.Context, c Condition, ec Context, pt *progressTracker) outcome {
	switch c.Kind {
	case KindAll, KindAny, KindNot:
		return e.evalComposite(ctx, c, ec, pt)
	}

	if c.cacheable() {
		if out, ok := e.cached(c); ok {
			pt.Observe(out.progress)
			return out
		}
	}

	var out outcome
	if c.Kind == KindCustomScript {
		var err error
		out, err = evalScript(ctx, c, ec)
		if err != nil {
			e.log.Warn().Err(err).Str("condition", c.String()).Msg("condition evaluation failed, treating as not met")
			out = notMet(c, 0, "evaluation error: "+err.Error())
			pt.Observe(0)
			return out
		}
	} else {
		out = evalLeaf(c, ec)
	}

	if c.cacheable() {
		e.store(c, out)
	}
	pt.Observe(out.progress)
	return out
}

func (e *Evaluator) evalComposite(ctx context.Context, c Condition, ec Context, pt *progressTracker) outcome {
	switch c.Kind {
	case KindAll:
		if len(c.Children) == 0 {
			return notMet(c, 0, "no children")
		}
		sum := 0.0
		allMet := true
		var reasons []string
		for _, child := range c.Children {
			out := e.evalNode(ctx, child, ec, pt)
			sum += out.progress
			if out.met {
				reasons = append(reasons, out.reason)
			} else {
				allMet = false
			}
		}
		avg := sum / float64(len(c.Children))
		if allMet {
			return metOutcome(c, avg, strings.Join(reasons, "; "))
		}
		return notMet(c, avg, "not all children met")

	case KindAny:
		maxP := 0.0
		for _, child := range c.Children {
			out := e.evalNode(ctx, child, ec, pt)
			if out.progress > maxP {
				maxP = out.progress
			}
			if out.met {
				out.progress = maxP
				return out
			}
		}
		return notMet(c, maxP, "no child met")

	case KindNot:
		if len(c.Children) != 1 {
			return notMet(c, 0, "not requires exactly one child")
		}
		out := e.evalNode(ctx, c.Children[0], ec, pt)
		if out.met {
			return notMet(c, 0, fmt.Sprintf("child met: %s", out.trigger))
		}
		return metOutcome(c, 0, fmt.Sprintf("child not met: %s", c.Children[0]))
	}
	return notMet(c, 0, "")
}

func (e *Evaluator) cached(c Condition) (outcome, bool) {
	if e.opts.CacheTTL <= 0 {
		return outcome{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[c.String()]
	if !ok || time.Now().After(entry.expires) {
		return outcome{}, false
	}
	return entry.out, true
}

func (e *Evaluator) store(c Condition, out outcome) {
	if e.opts.CacheTTL <= 0 {
		return
	}
	e.mu.Lock()
	e.cache[c.String()] = cacheEntry{out: out, expires: time.Now().Add(e.opts.CacheTTL)}
	e.mu.Unlock()
}

// progressTracker collects the maximum progress reported by any leaf
// during one pass. Safe for concurrent use in parallel mode.
type progressTracker struct {
	mu  sync.Mutex
	max float64
}

func (p *progressTracker) Observe(v float64) {
	p.mu.Lock()
	if v > p.max {
		p.max = v
	}
	p.mu.Unlock()
}

func (p *progressTracker) Max() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}
