package stopcond

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// evalScript runs a custom-script condition. Inline Lua and .lua files
// run in a sandboxed interpreter; anything else runs through `sh -c`
// with the JSON-encoded context on stdin.
func evalScript(ctx context.Context, c Condition, ec Context) (outcome, error) {
	if c.Lua != "" {
		return evalLua(ctx, c, c.Lua, ec)
	}
	if strings.HasSuffix(c.Script, ".lua") {
		src, err := os.ReadFile(resolvePath(ec.WorkDir, c.Script))
		if err != nil {
			return notMet(c, 0, ""), fmt.Errorf("read lua script: %w", err)
		}
		return evalLua(ctx, c, string(src), ec)
	}
	return evalShell(ctx, c, ec)
}

// evalShell runs the script command. Exit 0 means met. The first stdout
// line is an optional reason, the second an optional progress float.
func evalShell(ctx context.Context, c Condition, ec Context) (outcome, error) {
	payload, err := json.Marshal(ec)
	if err != nil {
		return notMet(c, 0, ""), fmt.Errorf("encode context: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Script)
	if ec.WorkDir != "" {
		cmd.Dir = ec.WorkDir
	}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"FLYWHEEL_ITERATION="+strconv.Itoa(ec.Iteration),
		"FLYWHEEL_ELAPSED="+ec.Elapsed.String(),
		"FLYWHEEL_CONSECUTIVE_FAILURES="+strconv.Itoa(ec.ConsecutiveFailures),
		"FLYWHEEL_FAILING_TESTS="+strconv.Itoa(ec.FailingTests),
		"FLYWHEEL_WORK_DIR="+ec.WorkDir,
	)

	out, runErr := cmd.Output()
	reason, progress, hasProgress := parseScriptOutput(string(out))

	if runErr == nil {
		o := metOutcome(c, 1, reason)
		if o.reason == "" {
			o.reason = "script reported met"
		}
		if hasProgress {
			o.progress = clampProgress(progress)
		}
		return o, nil
	}

	if ctx.Err() != nil {
		return notMet(c, 0, ""), fmt.Errorf("script: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if reason == "" {
			reason = fmt.Sprintf("script exit status %d", exitErr.ExitCode())
		}
		o := notMet(c, 0, reason)
		if hasProgress {
			o.progress = clampProgress(progress)
		}
		return o, nil
	}
	return notMet(c, 0, ""), fmt.Errorf("script: %w", runErr)
}

func parseScriptOutput(out string) (reason string, progress float64, hasProgress bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 0 {
		reason = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64); err == nil {
			progress, hasProgress = v, true
		}
	}
	return reason, progress, hasProgress
}

// evalLua runs a Lua chunk that sees the evaluation context as a global
// `ctx` table and returns up to three values: met, progress, reason.
func evalLua(ctx context.Context, c Condition, source string, ec Context) (outcome, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if ctx != nil {
		L.SetContext(ctx)
	}
	openSafeLibs(L)
	L.SetGlobal("ctx", contextTable(L, ec))

	fn, err := L.LoadString(source)
	if err != nil {
		return notMet(c, 0, ""), fmt.Errorf("load lua: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return notMet(c, 0, ""), fmt.Errorf("run lua: %w", err)
	}

	o := notMet(c, 0, "lua reported not met")
	nret := L.GetTop()
	if nret >= 1 && lua.LVAsBool(L.Get(1)) {
		o = metOutcome(c, 1, "lua reported met")
	}
	if nret >= 2 {
		if n, ok := L.Get(2).(lua.LNumber); ok {
			o.progress = clampProgress(float64(n))
		}
	}
	if nret >= 3 {
		if s, ok := L.Get(3).(lua.LString); ok && string(s) != "" {
			o.reason = string(s)
		}
	}
	return o, nil
}

// openSafeLibs loads only deterministic, filesystem-free libraries into
// the Lua state.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func contextTable(L *lua.LState, ec Context) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "iteration", lua.LNumber(ec.Iteration))
	L.SetField(tbl, "elapsed_seconds", lua.LNumber(ec.Elapsed.Seconds()))
	L.SetField(tbl, "consecutive_failures", lua.LNumber(ec.ConsecutiveFailures))
	L.SetField(tbl, "made_progress", lua.LBool(ec.MadeProgress))
	L.SetField(tbl, "no_progress_streak", lua.LNumber(ec.NoProgressStreak))
	L.SetField(tbl, "tests_passed", lua.LNumber(ec.TestsPassed))
	L.SetField(tbl, "failing_tests", lua.LNumber(ec.FailingTests))
	L.SetField(tbl, "recent_output", lua.LString(ec.RecentOutput))
	L.SetField(tbl, "last_error", lua.LString(ec.LastError))
	L.SetField(tbl, "user_signal", lua.LBool(ec.UserSignal))
	L.SetField(tbl, "work_dir", lua.LString(ec.WorkDir))
	return tbl
}
