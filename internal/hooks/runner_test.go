package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFiltersByPoint(t *testing.T) {
	r := NewRunner([]Hook{
		{Name: "a", Point: PointPreReboot, Command: "true"},
		{Name: "b", Point: PointPostReboot, Command: "true"},
		{Name: "c", Point: PointPreReboot, Command: "true"},
	})

	results := r.Run(context.Background(), PointPreReboot, Context{RunID: "r1"})
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Hook)
	assert.Equal(t, "c", results[1].Hook)
	assert.True(t, AllContinue(results))
}

func TestCommandHookCapturesOutput(t *testing.T) {
	r := NewRunner([]Hook{{Name: "echo", Point: PointLoopStart, Command: "echo hello hook"}})

	results := r.Run(context.Background(), PointLoopStart, Context{})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Output, "hello hook")
	assert.Positive(t, results[0].Duration)
}

func TestCommandHookSeesEnvAndStdin(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "seen.txt")
	cmd := `printf '%s ' "$FLYWHEEL_HOOK_POINT" "$FLYWHEEL_RUN_ID" "$FLYWHEEL_ITERATION" > ` + out + `; cat >> ` + out

	r := NewRunner([]Hook{{Name: "env", Point: PointPostIteration, Command: cmd}})
	results := r.Run(context.Background(), PointPostIteration, Context{RunID: "r42", Iteration: 7})
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	seen := string(data)
	assert.Contains(t, seen, "post-iteration r42 7")
	assert.Contains(t, seen, `"run_id":"r42"`)
	assert.Contains(t, seen, `"iteration":7`)
}

func TestFailingHookVetoes(t *testing.T) {
	r := NewRunner([]Hook{{Name: "gate", Point: PointPreIteration, Command: "exit 1"}})

	results := r.Run(context.Background(), PointPreIteration, Context{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.False(t, results[0].ContinueLoop)
	assert.False(t, AllContinue(results))

	veto, ok := FirstVeto(results)
	require.True(t, ok)
	assert.Equal(t, "gate", veto.Hook)
}

func TestContinueOnErrorSuppressesVeto(t *testing.T) {
	r := NewRunner([]Hook{{Name: "soft", Point: PointPreIteration, Command: "exit 1", ContinueOnError: true}})

	results := r.Run(context.Background(), PointPreIteration, Context{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].ContinueLoop)
	assert.True(t, AllContinue(results))
}

func TestCommandHookTimeout(t *testing.T) {
	r := NewRunner([]Hook{{Name: "slow", Point: PointLoopEnd, Command: "sleep 5", Timeout: 200 * time.Millisecond}})

	start := time.Now()
	results := r.Run(context.Background(), PointLoopEnd, Context{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Err, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWebhookHook(t *testing.T) {
	var got Context
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		header = req.Header.Get("X-Token")
		_ = json.NewDecoder(req.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRunner([]Hook{{
		Name:    "notify",
		Point:   PointPostReboot,
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "secret"},
	}})

	results := r.Run(context.Background(), PointPostReboot, Context{RunID: "r9", Iteration: 3})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "secret", header)
	assert.Equal(t, PointPostReboot, got.Point)
	assert.Equal(t, "r9", got.RunID)
	assert.Equal(t, 3, got.Iteration)
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRunner([]Hook{{Name: "bad", Point: PointLoopEnd, URL: srv.URL}})
	results := r.Run(context.Background(), PointLoopEnd, Context{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Err, "status 500")
}

func TestOutputTruncated(t *testing.T) {
	r := NewRunner([]Hook{{
		Name:    "chatty",
		Point:   PointLoopStart,
		Command: "yes x | head -c 10000",
	}})

	results := r.Run(context.Background(), PointLoopStart, Context{})
	require.Len(t, results, 1)
	assert.Len(t, results[0].Output, outputCap)
}

func TestHookValidate(t *testing.T) {
	cases := []struct {
		name    string
		hook    Hook
		wantErr string
	}{
		{"command ok", Hook{Name: "h", Point: PointLoopStart, Command: "true"}, ""},
		{"webhook inferred", Hook{Name: "h", Point: PointLoopEnd, URL: "http://x"}, ""},
		{"missing point", Hook{Name: "h", Command: "true"}, "point is required"},
		{"bad point", Hook{Name: "h", Point: "sometime", Command: "true"}, "unknown point"},
		{"no action", Hook{Name: "h", Point: PointLoopStart}, "command is required"},
		{"bad kind", Hook{Name: "h", Point: PointLoopStart, Kind: "smoke"}, "unsupported kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.hook.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.wantErr), err.Error())
		})
	}
}
