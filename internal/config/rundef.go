package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/flywheeldev/flywheel/internal/agent"
	"github.com/flywheeldev/flywheel/internal/hooks"
	"github.com/flywheeldev/flywheel/internal/notify"
	"github.com/flywheeldev/flywheel/internal/reboot"
	"github.com/flywheeldev/flywheel/internal/redline"
	"github.com/flywheeldev/flywheel/internal/runner"
	"github.com/flywheeldev/flywheel/internal/session"
	"github.com/flywheeldev/flywheel/internal/stopcond"
)

// RunDef is the on-disk model of one loop run: which agent to drive,
// what to ask it every iteration, and everything that decides when and
// how the loop ends. All duration fields take Go duration strings.
type RunDef struct {
	Name       string `toml:"name,omitempty"`
	Prompt     string `toml:"prompt,omitempty"`
	PromptFile string `toml:"prompt_file,omitempty"`
	WorkDir    string `toml:"work_dir,omitempty"`

	Agent      AgentDef      `toml:"agent"`
	Loop       LoopDef       `toml:"loop,omitempty"`
	Session    SessionDef    `toml:"session,omitempty"`
	Redline    RedlineDef    `toml:"redline,omitempty"`
	Reboot     RebootDef     `toml:"reboot,omitempty"`
	Conditions ConditionsDef `toml:"conditions,omitempty"`
	Hooks      []HookDef     `toml:"hooks,omitempty"`
	Notify     NotifyDef     `toml:"notify,omitempty"`

	// Source is the path the definition was loaded from.
	Source string `toml:"-"`
}

// AgentDef selects and customizes the agent binary. Preset names a
// builtin launch spec; every other field overrides the preset's value.
type AgentDef struct {
	Preset           string            `toml:"preset,omitempty"`
	Name             string            `toml:"name,omitempty"`
	Command          string            `toml:"command,omitempty"`
	Args             []string          `toml:"args,omitempty"`
	WorkDir          string            `toml:"work_dir,omitempty"`
	Env              map[string]string `toml:"env,omitempty"`
	CompletionMarker string            `toml:"completion_marker,omitempty"`
	ExitCommand      string            `toml:"exit_command,omitempty"`
	InitialPrompt    string            `toml:"initial_prompt,omitempty"`
}

// LoopDef tunes the iteration loop itself. RecordDir, when set, saves
// each iteration's raw output as a transcript file under that
// directory.
type LoopDef struct {
	MaxIterations int    `toml:"max_iterations,omitempty"`
	Delay         string `toml:"delay,omitempty"`
	EventBuffer   int    `toml:"event_buffer,omitempty"`
	RecordDir     string `toml:"record_dir,omitempty"`
}

// SessionDef tunes agent session behavior.
type SessionDef struct {
	ResponseTimeout string `toml:"response_timeout,omitempty"`
	GracePeriod     string `toml:"grace_period,omitempty"`
	MaxSessions     int    `toml:"max_sessions,omitempty"`
}

// RedlineDef tunes context-exhaustion detection. Zero fields take the
// detector's defaults.
type RedlineDef struct {
	WindowTokens             int     `toml:"window_tokens,omitempty"`
	CharsPerToken            float64 `toml:"chars_per_token,omitempty"`
	SampleSize               int     `toml:"sample_size,omitempty"`
	MarkerTrust              float64 `toml:"marker_trust,omitempty"`
	MinIterationsSinceReboot int     `toml:"min_iterations_since_reboot,omitempty"`
	QualityDropRatio         float64 `toml:"quality_drop_ratio,omitempty"`
	LatencyInflateRatio      float64 `toml:"latency_inflate_ratio,omitempty"`
}

// RebootDef tunes automatic session reboots.
type RebootDef struct {
	Enabled                bool     `toml:"enabled,omitempty"`
	Graceful               bool     `toml:"graceful,omitempty"`
	GracefulDelay          string   `toml:"graceful_delay,omitempty"`
	IterationThreshold     int      `toml:"iteration_threshold,omitempty"`
	DurationThreshold      string   `toml:"duration_threshold,omitempty"`
	OutputPatterns         []string `toml:"output_patterns,omitempty"`
	MinInterval            string   `toml:"min_interval,omitempty"`
	MaxPerHour             int      `toml:"max_per_hour,omitempty"`
	FailureCooldown        string   `toml:"failure_cooldown,omitempty"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures,omitempty"`
}

// HookDef is the TOML model of one lifecycle hook.
type HookDef struct {
	Name            string            `toml:"name,omitempty"`
	Point           string            `toml:"point"`
	Command         string            `toml:"command,omitempty"`
	URL             string            `toml:"url,omitempty"`
	Headers         map[string]string `toml:"headers,omitempty"`
	Timeout         string            `toml:"timeout,omitempty"`
	ContinueOnError bool              `toml:"continue_on_error,omitempty"`
}

// NotifyDef selects notification channels for the run. Credentials left
// empty fall back to the global settings.
type NotifyDef struct {
	Cooldown string      `toml:"cooldown,omitempty"`
	Pushover PushoverDef `toml:"pushover,omitempty"`
	Webhook  WebhookDef  `toml:"webhook,omitempty"`
}

// PushoverDef carries pushover credentials.
type PushoverDef struct {
	AppToken string `toml:"app_token,omitempty"`
	UserKey  string `toml:"user_key,omitempty"`
	Device   string `toml:"device,omitempty"`
}

// WebhookDef carries a notification webhook target.
type WebhookDef struct {
	URL     string            `toml:"url,omitempty"`
	Headers map[string]string `toml:"headers,omitempty"`
}

// LoadRunDef reads and resolves a run definition from a TOML file.
func LoadRunDef(path string) (*RunDef, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("run definition path is required")
	}
	path = expandTilde(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run definition: %w", err)
	}

	var def RunDef
	if err := toml.Unmarshal(data, &def); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			line, col := derr.Position()
			return nil, fmt.Errorf("parse %s:%d:%d: %w", path, line, col, err)
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	def.Source = path
	def.normalize()
	return &def, nil
}

func (d *RunDef) normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.PromptFile = strings.TrimSpace(d.PromptFile)
	d.WorkDir = expandTilde(strings.TrimSpace(d.WorkDir))
	d.Agent.Preset = strings.TrimSpace(d.Agent.Preset)
	d.Agent.Command = strings.TrimSpace(d.Agent.Command)
	d.Agent.WorkDir = expandTilde(strings.TrimSpace(d.Agent.WorkDir))
}

// FillNotifyDefaults copies global notification credentials into the
// definition where it leaves them unset, so per-run files can enable
// channels without repeating secrets.
func (d *RunDef) FillNotifyDefaults(s *Settings) {
	if s == nil {
		return
	}
	if d.Notify.Pushover.AppToken == "" {
		d.Notify.Pushover.AppToken = s.Notify.PushoverToken
	}
	if d.Notify.Pushover.UserKey == "" {
		d.Notify.Pushover.UserKey = s.Notify.PushoverUser
	}
	if d.Notify.Pushover.Device == "" {
		d.Notify.Pushover.Device = s.Notify.PushoverDevice
	}
	if d.Notify.Webhook.URL == "" {
		d.Notify.Webhook.URL = s.Notify.WebhookURL
	}
}

// Resolved is a run definition materialized into the concrete configs
// each engine component consumes. RunID is left empty for the caller to
// assign.
type Resolved struct {
	Name      string
	Agent     agent.Spec
	Runner    runner.Config
	Session   session.Config
	Redline   redline.Config
	Reboot    reboot.Config
	Pools     stopcond.Pools
	Eval      stopcond.Options
	Hooks     []hooks.Hook
	Notify    notify.Config
	RecordDir string
}

// Resolve validates the definition and converts it into component
// configs. All parse and consistency errors surface here, before
// anything is started.
func (d *RunDef) Resolve() (*Resolved, error) {
	prompt, err := d.resolvePrompt()
	if err != nil {
		return nil, err
	}

	spec, err := d.Agent.spec()
	if err != nil {
		return nil, err
	}
	if spec.WorkDir == "" {
		spec.WorkDir = d.WorkDir
	}

	delay, err := parseDuration("loop.delay", d.Loop.Delay)
	if err != nil {
		return nil, err
	}
	respTimeout, err := parseDuration("session.response_timeout", d.Session.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	grace, err := parseDuration("session.grace_period", d.Session.GracePeriod)
	if err != nil {
		return nil, err
	}

	rebootCfg, err := d.Reboot.config()
	if err != nil {
		return nil, err
	}

	pools, evalOpts, err := d.Conditions.Build()
	if err != nil {
		return nil, err
	}

	hookList, err := d.hookList()
	if err != nil {
		return nil, err
	}

	notifyCfg, err := d.Notify.config()
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Name:  d.Name,
		Agent: spec,
		Runner: runner.Config{
			Prompt:         prompt,
			MaxIterations:  d.Loop.MaxIterations,
			IterationDelay: delay,
			WorkDir:        d.WorkDir,
			EventBuffer:    d.Loop.EventBuffer,
		},
		Session: session.Config{
			ResponseTimeout: respTimeout,
			GracePeriod:     grace,
			MaxSessions:     d.Session.MaxSessions,
		},
		Redline: redline.Config{
			AssumedWindowTokens:      d.Redline.WindowTokens,
			CharsPerToken:            d.Redline.CharsPerToken,
			AnalysisSampleSize:       d.Redline.SampleSize,
			MarkerTrustConfidence:    d.Redline.MarkerTrust,
			MinIterationsSinceReboot: d.Redline.MinIterationsSinceReboot,
			QualityDropRatio:         d.Redline.QualityDropRatio,
			LatencyInflateRatio:      d.Redline.LatencyInflateRatio,
		},
		Reboot:    rebootCfg,
		Pools:     pools,
		Eval:      evalOpts,
		Hooks:     hookList,
		Notify:    notifyCfg,
		RecordDir: expandTilde(d.Loop.RecordDir),
	}, nil
}

// Validate resolves the definition and discards the result.
func (d *RunDef) Validate() error {
	_, err := d.Resolve()
	return err
}

func (d *RunDef) resolvePrompt() (string, error) {
	has := strings.TrimSpace(d.Prompt) != ""
	hasFile := d.PromptFile != ""
	switch {
	case has && hasFile:
		return "", errors.New("prompt and prompt_file are mutually exclusive")
	case hasFile:
		path := expandTilde(d.PromptFile)
		if !filepath.IsAbs(path) && d.WorkDir != "" {
			path = filepath.Join(d.WorkDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("prompt file %s is empty", path)
		}
		return string(data), nil
	case has:
		return d.Prompt, nil
	default:
		return "", errors.New("prompt or prompt_file is required")
	}
}

// spec overlays the definition onto its preset, if any.
func (d AgentDef) spec() (agent.Spec, error) {
	var base agent.Spec
	if d.Preset != "" {
		preset, ok := agent.Preset(d.Preset)
		if !ok {
			return agent.Spec{}, fmt.Errorf("agent: unknown preset %q", d.Preset)
		}
		base = preset
	}

	if d.Name != "" {
		base.Name = d.Name
	}
	if d.Command != "" {
		base.Command = d.Command
		if d.Preset == "" && base.Name == "" {
			base.Name = filepath.Base(d.Command)
		}
	}
	if len(d.Args) > 0 {
		base.Args = d.Args
	}
	if d.WorkDir != "" {
		base.WorkDir = d.WorkDir
	}
	if len(d.Env) > 0 {
		if base.Env == nil {
			base.Env = make(map[string]string, len(d.Env))
		}
		for k, v := range d.Env {
			base.Env[k] = v
		}
	}
	if d.CompletionMarker != "" {
		base.CompletionMarker = d.CompletionMarker
	}
	if d.ExitCommand != "" {
		base.ExitCommand = d.ExitCommand
	}
	if d.InitialPrompt != "" {
		base.InitialPrompt = d.InitialPrompt
	}

	if err := base.Validate(); err != nil {
		if d.Preset == "" && strings.TrimSpace(base.Command) == "" {
			return agent.Spec{}, errors.New("agent: preset or command is required")
		}
		return agent.Spec{}, err
	}
	return base, nil
}

func (d RebootDef) config() (reboot.Config, error) {
	gracefulDelay, err := parseDuration("reboot.graceful_delay", d.GracefulDelay)
	if err != nil {
		return reboot.Config{}, err
	}
	durThreshold, err := parseDuration("reboot.duration_threshold", d.DurationThreshold)
	if err != nil {
		return reboot.Config{}, err
	}
	minInterval, err := parseDuration("reboot.min_interval", d.MinInterval)
	if err != nil {
		return reboot.Config{}, err
	}
	cooldown, err := parseDuration("reboot.failure_cooldown", d.FailureCooldown)
	if err != nil {
		return reboot.Config{}, err
	}
	return reboot.Config{
		Enabled:                d.Enabled,
		Graceful:               d.Graceful,
		GracefulDelay:          gracefulDelay,
		IterationThreshold:     d.IterationThreshold,
		DurationThreshold:      durThreshold,
		OutputPatterns:         d.OutputPatterns,
		MinInterval:            minInterval,
		MaxPerHour:             d.MaxPerHour,
		FailureCooldown:        cooldown,
		MaxConsecutiveFailures: d.MaxConsecutiveFailures,
	}, nil
}

func (d *RunDef) hookList() ([]hooks.Hook, error) {
	if len(d.Hooks) == 0 {
		return nil, nil
	}
	list := make([]hooks.Hook, 0, len(d.Hooks))
	for i, hd := range d.Hooks {
		timeout, err := parseDuration(fmt.Sprintf("hooks[%d].timeout", i), hd.Timeout)
		if err != nil {
			return nil, err
		}
		h := hooks.Hook{
			Name:            hd.Name,
			Point:           hooks.Point(hd.Point),
			Command:         hd.Command,
			URL:             hd.URL,
			Headers:         hd.Headers,
			Timeout:         timeout,
			ContinueOnError: hd.ContinueOnError,
		}
		if h.Name == "" {
			h.Name = fmt.Sprintf("hook-%d", i+1)
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, nil
}

func (d NotifyDef) config() (notify.Config, error) {
	cooldown, err := parseDuration("notify.cooldown", d.Cooldown)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Pushover: notify.PushoverConfig{
			AppToken: d.Pushover.AppToken,
			UserKey:  d.Pushover.UserKey,
			Device:   d.Pushover.Device,
		},
		Webhook: notify.WebhookConfig{
			URL:     d.Webhook.URL,
			Headers: d.Webhook.Headers,
		},
		Cooldown: cooldown,
	}, nil
}

// parseDuration parses an optional Go duration string, naming the field
// in errors. Empty means zero, which every consumer treats as "use the
// default" or "disabled".
func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return dur, nil
}
