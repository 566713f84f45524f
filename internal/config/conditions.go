package config

import (
	"fmt"
	"strings"

	"github.com/flywheeldev/flywheel/internal/stopcond"
)

// ConditionDef is the TOML model of one stop condition. Leaf kinds use
// the flat fields; composite kinds (all, any, not) nest children under
// `of`.
type ConditionDef struct {
	Kind      string   `toml:"kind"`
	Threshold int      `toml:"threshold,omitempty"`
	Duration  string   `toml:"duration,omitempty"`
	Path      string   `toml:"path,omitempty"`
	Needle    string   `toml:"needle,omitempty"`
	Pattern   string   `toml:"pattern,omitempty"`
	Tests     []string `toml:"tests,omitempty"`
	Script    string   `toml:"script,omitempty"`
	Lua       string   `toml:"lua,omitempty"`

	Of []ConditionDef `toml:"of,omitempty"`
}

// build converts the definition into a condition value, recursing into
// composite children. Threshold and pattern validity is left to the
// pool-level Validate pass so error messages carry the pool name.
func (d ConditionDef) build() (stopcond.Condition, error) {
	kind := stopcond.Kind(strings.ToLower(strings.TrimSpace(d.Kind)))
	switch kind {
	case stopcond.KindMaxIterations:
		return stopcond.MaxIterations(d.Threshold), nil
	case stopcond.KindMaxDuration:
		dur, err := parseDuration("duration", d.Duration)
		if err != nil {
			return stopcond.Condition{}, err
		}
		return stopcond.MaxDuration(dur), nil
	case stopcond.KindFailureStreak:
		return stopcond.FailureStreak(d.Threshold), nil
	case stopcond.KindTestsAllPass:
		return stopcond.TestsAllPass(), nil
	case stopcond.KindSpecificTestsPass:
		return stopcond.SpecificTestsPass(d.Tests...), nil
	case stopcond.KindNoProgress:
		return stopcond.NoProgress(d.Threshold), nil
	case stopcond.KindFileCreated:
		return stopcond.FileCreated(d.Path), nil
	case stopcond.KindFileContains:
		return stopcond.FileContains(d.Path, d.Needle), nil
	case stopcond.KindOutputPattern:
		return stopcond.OutputPattern(d.Pattern), nil
	case stopcond.KindOnError:
		return stopcond.OnError(), nil
	case stopcond.KindCustomScript:
		if strings.TrimSpace(d.Lua) != "" {
			return stopcond.LuaScript(d.Lua), nil
		}
		return stopcond.CustomScript(d.Script), nil
	case stopcond.KindUserSignal:
		return stopcond.UserSignal(), nil
	case stopcond.KindNever:
		return stopcond.Never(), nil
	case stopcond.KindAll, stopcond.KindAny:
		children, err := buildConditions(d.Of)
		if err != nil {
			return stopcond.Condition{}, err
		}
		if kind == stopcond.KindAll {
			return stopcond.All(children...), nil
		}
		return stopcond.Any(children...), nil
	case stopcond.KindNot:
		if len(d.Of) != 1 {
			return stopcond.Condition{}, fmt.Errorf("not: needs exactly one child, got %d", len(d.Of))
		}
		child, err := d.Of[0].build()
		if err != nil {
			return stopcond.Condition{}, err
		}
		return stopcond.Not(child), nil
	case "":
		return stopcond.Condition{}, fmt.Errorf("condition: kind is required")
	default:
		return stopcond.Condition{}, fmt.Errorf("condition: unknown kind %q", d.Kind)
	}
}

func buildConditions(defs []ConditionDef) ([]stopcond.Condition, error) {
	conds := make([]stopcond.Condition, 0, len(defs))
	for i, def := range defs {
		c, err := def.build()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i+1, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// ConditionsDef groups the three condition pools plus evaluator tuning.
type ConditionsDef struct {
	Normal  []ConditionDef `toml:"normal,omitempty"`
	Success []ConditionDef `toml:"success,omitempty"`
	Failure []ConditionDef `toml:"failure,omitempty"`

	Parallel bool   `toml:"parallel,omitempty"`
	Timeout  string `toml:"timeout,omitempty"`
	CacheTTL string `toml:"cache_ttl,omitempty"`
}

// Build materializes the pools and evaluator options. Used by the
// resolve path and by the conditions dry-run command.
func (d ConditionsDef) Build() (stopcond.Pools, stopcond.Options, error) {
	pools, err := d.pools()
	if err != nil {
		return stopcond.Pools{}, stopcond.Options{}, err
	}
	opts, err := d.options()
	if err != nil {
		return stopcond.Pools{}, stopcond.Options{}, err
	}
	return pools, opts, nil
}

// pools builds and validates the three condition pools.
func (d ConditionsDef) pools() (stopcond.Pools, error) {
	var pools stopcond.Pools
	var err error
	if pools.Normal, err = buildConditions(d.Normal); err != nil {
		return stopcond.Pools{}, fmt.Errorf("normal pool: %w", err)
	}
	if pools.Success, err = buildConditions(d.Success); err != nil {
		return stopcond.Pools{}, fmt.Errorf("success pool: %w", err)
	}
	if pools.Failure, err = buildConditions(d.Failure); err != nil {
		return stopcond.Pools{}, fmt.Errorf("failure pool: %w", err)
	}
	if err := pools.Validate(); err != nil {
		return stopcond.Pools{}, err
	}
	return pools, nil
}

// options builds the evaluator tuning knobs.
func (d ConditionsDef) options() (stopcond.Options, error) {
	timeout, err := parseDuration("conditions.timeout", d.Timeout)
	if err != nil {
		return stopcond.Options{}, err
	}
	ttl, err := parseDuration("conditions.cache_ttl", d.CacheTTL)
	if err != nil {
		return stopcond.Options{}, err
	}
	return stopcond.Options{
		Parallel:         d.Parallel,
		ConditionTimeout: timeout,
		CacheTTL:         ttl,
	}, nil
}
