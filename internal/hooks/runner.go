package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
)

// DefaultTimeout is used when a hook does not specify one.
const DefaultTimeout = 30 * time.Second

// outputCap bounds how much hook output a Result carries.
const outputCap = 4096

// Runner executes the hooks registered for each point, in registration
// order, and aggregates their results.
type Runner struct {
	hooks  []Hook
	client *http.Client
	log    zerolog.Logger
}

// NewRunner returns a runner over the given hooks. A nil or empty hook
// list yields a runner whose Run is a no-op.
func NewRunner(hooks []Hook) *Runner {
	return &Runner{
		hooks:  hooks,
		client: &http.Client{},
		log:    logging.Component("hooks"),
	}
}

// Run executes every hook registered for point. The returned results
// preserve registration order; callers check them for vetoes.
func (r *Runner) Run(ctx context.Context, point Point, hctx Context) []Result {
	if r == nil {
		return nil
	}
	hctx.Point = point
	if hctx.Timestamp.IsZero() {
		hctx.Timestamp = time.Now().UTC()
	}

	var results []Result
	for _, h := range r.hooks {
		if h.Point != point {
			continue
		}
		results = append(results, r.runOne(ctx, h, hctx))
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, h Hook, hctx Context) Result {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hctx.Timestamp = hctx.Timestamp.UTC()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var output string
	var err error
	switch h.kind() {
	case KindCommand:
		output, err = r.runCommand(cctx, h, hctx)
	case KindWebhook:
		err = r.sendWebhook(cctx, h, hctx)
	default:
		err = fmt.Errorf("unsupported hook kind: %s", h.Kind)
	}

	res := Result{
		Hook:         h.Name,
		Point:        h.Point,
		Success:      err == nil,
		Duration:     time.Since(start),
		Output:       truncate(output),
		ContinueLoop: err == nil || h.ContinueOnError,
	}
	if err != nil {
		res.Err = err.Error()
		r.log.Warn().
			Str("hook", h.Name).
			Str("point", string(h.Point)).
			Bool("continue_loop", res.ContinueLoop).
			Err(err).
			Msg("hook failed")
	} else {
		r.log.Debug().
			Str("hook", h.Name).
			Str("point", string(h.Point)).
			Dur("duration", res.Duration).
			Msg("hook completed")
	}
	return res
}

func (r *Runner) runCommand(ctx context.Context, h Hook, hctx Context) (string, error) {
	command := strings.TrimSpace(h.Command)
	if command == "" {
		return "", fmt.Errorf("hook command is required")
	}

	payload, err := json.Marshal(hctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), hookEnv(h, hctx)...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return buf.String(), fmt.Errorf("hook timed out: %w", ctx.Err())
	}
	return buf.String(), runErr
}

func (r *Runner) sendWebhook(ctx context.Context, h Hook, hctx Context) error {
	url := strings.TrimSpace(h.URL)
	if url == "" {
		return fmt.Errorf("hook URL is required")
	}

	payload, err := json.Marshal(hctx)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		request.Header.Set(key, value)
	}

	response, err := r.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned status %d", response.StatusCode)
	}
	return nil
}

func hookEnv(h Hook, hctx Context) []string {
	env := []string{
		"FLYWHEEL_HOOK_NAME=" + h.Name,
		"FLYWHEEL_HOOK_POINT=" + string(hctx.Point),
		"FLYWHEEL_RUN_ID=" + hctx.RunID,
		"FLYWHEEL_ITERATION=" + strconv.Itoa(hctx.Iteration),
	}
	if hctx.State != "" {
		env = append(env, "FLYWHEEL_STATE="+hctx.State)
	}
	if hctx.Reason != "" {
		env = append(env, "FLYWHEEL_REASON="+hctx.Reason)
	}
	return env
}

func truncate(s string) string {
	if len(s) <= outputCap {
		return s
	}
	return s[:outputCap]
}
