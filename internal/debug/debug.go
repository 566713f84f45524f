// Package debug provides a verbose structured logger for development diagnostics.
//
// When enabled via --debug, significant events in the flywheel runtime are
// written to a single .log file under ~/.flywheel/debug/. The log includes
// nanosecond timestamps, goroutine IDs, caller locations, and all relevant
// context IDs (run, iteration, session, reboot) so that a long unattended
// run can be reconstructed after the fact.
//
// When disabled (the default), all logging functions are no-ops with zero
// allocation overhead.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flywheeldev/flywheel/internal/hexid"
)

const (
	// EnvEnabled toggles debug logger initialization for child agent processes.
	EnvEnabled = "FLYWHEEL_DEBUG"
	// EnvLogPath forces logs to be written to an existing aggregate debug file.
	EnvLogPath = "FLYWHEEL_DEBUG_FILE"
	// EnvProcess labels the current process in every emitted log line.
	EnvProcess = "FLYWHEEL_DEBUG_PROCESS"
)

// active holds the process-wide sink. nil pointer value means debug is off,
// which keeps Log/Logf/LogKV on the single-atomic-load fast path.
var active atomic.Pointer[sink]

// sink is an open debug log file plus the per-process metadata stamped onto
// every line.
type sink struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	started time.Time
	pid     int
	process string
}

// target describes where the log should go and how the file was chosen.
type target struct {
	path     string
	logID    string
	attached bool
}

// Init initializes the global debug logger at the default location,
// ~/.flywheel/debug/<timestamp>_<hexid>.log, or attaches to the file named
// by FLYWHEEL_DEBUG_FILE when a parent process exported one. Returns the
// log file path. Init is idempotent; a second call reports the existing path.
func Init() (string, error) {
	return enable("")
}

// Enable initializes the global debug logger at an explicit path, creating
// parent directories as needed. Used by the --debug-file flag.
func Enable(path string) (string, error) {
	return enable(path)
}

func enable(forcedPath string) (string, error) {
	if s := active.Load(); s != nil {
		return s.path, nil
	}

	tgt, err := pickTarget(forcedPath)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(tgt.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", tgt.path, err)
	}

	s := &sink{
		file:    f,
		path:    tgt.path,
		started: time.Now(),
		pid:     os.Getpid(),
		process: processLabel(),
	}
	f.WriteString(banner(s, tgt))

	if !active.CompareAndSwap(nil, s) {
		// Lost the race; another goroutine enabled first.
		_ = f.Close()
		return active.Load().path, nil
	}
	return tgt.path, nil
}

// banner renders the file header. Attached processes append a short marker
// instead of repeating the full header of the file owner.
func banner(s *sink, tgt target) string {
	ts := s.started.Format(time.RFC3339Nano)
	if tgt.attached {
		return fmt.Sprintf(
			"\n=== FLYWHEEL DEBUG PROCESS ATTACHED ===\nStarted: %s\nPID: %d\nProcess: %s\nFile: %s\n===\n\n",
			ts, s.pid, s.process, tgt.path)
	}
	return fmt.Sprintf(
		"=== FLYWHEEL DEBUG LOG ===\nStarted: %s\nPID: %d\nProcess: %s\nGOMAXPROCS: %d\nLog ID: %s\nFile: %s\n===\n\n",
		ts, s.pid, s.process, runtime.GOMAXPROCS(0), tgt.logID, tgt.path)
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	s := active.Swap(nil)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.file, "\n=== DEBUG LOG CLOSED === (pid=%d process=%s duration=%s)\n",
		s.pid, s.process, time.Since(s.started))
	s.file.Close()
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	if s := active.Load(); s != nil {
		return s.path
	}
	return ""
}

// ShouldEnableFromEnv returns true when debug logging should be initialized
// based on inherited environment variables. An explicit off toggle wins over
// an inherited file path.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv returns an environment slice with debug variables overlaid so
// spawned agent processes log into the same file. If debug logging is not
// enabled in the current process, baseEnv is returned unchanged.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// Log writes a debug line. No-op when debug is disabled.
// The line is prefixed with a nanosecond timestamp, goroutine ID, and caller.
func Log(component, msg string) {
	if s := active.Load(); s != nil {
		s.emit(component, msg)
	}
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	if s := active.Load(); s != nil {
		s.emit(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("runner", "iteration started", "iteration", 5, "run_id", "ab12cd34")
func LogKV(component, msg string, kvs ...any) {
	s := active.Load()
	if s == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	s.emit(component, b.String())
}

// emit appends one formatted line:
// TIMESTAMP +ELAPSED [PID] [PROCESS] [GID] [COMPONENT] CALLER | MESSAGE
func (s *sink) emit(component, msg string) {
	now := time.Now()
	var b strings.Builder
	b.WriteString(now.Format("15:04:05.000000000"))
	fmt.Fprintf(&b, " +%12s", now.Sub(s.started).Truncate(time.Microsecond))
	fmt.Fprintf(&b, " [P%-6d] [%-20s] [G%-6d]", s.pid, s.process, goroutineID())
	fmt.Fprintf(&b, " [%-14s] %-40s | %s\n", component, callSite(3), msg)

	s.mu.Lock()
	s.file.WriteString(b.String())
	s.mu.Unlock()
}

// callSite reports the originating source location as package/file.go:line.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "??:0"
	}
	if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
		file = file[idx+1:]
	} else if idx := strings.LastIndex(file, "/pkg/"); idx >= 0 {
		file = file[idx+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// pickTarget chooses the log file: an explicit path from --debug-file, else
// an inherited aggregate file from the environment, else a fresh file under
// the user's flywheel directory.
func pickTarget(forcedPath string) (target, error) {
	if p := strings.TrimSpace(forcedPath); p != "" {
		if err := ensureParentDir(p); err != nil {
			return target{}, err
		}
		return target{path: p}, nil
	}
	if p := strings.TrimSpace(os.Getenv(EnvLogPath)); p != "" {
		if err := ensureParentDir(p); err != nil {
			return target{}, err
		}
		return target{path: p, attached: true}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return target{}, fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".flywheel", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return target{}, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	id := hexid.New()
	name := time.Now().Format("20060102T150405") + "_" + id + ".log"
	return target{path: filepath.Join(dir, name), logID: id}, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	return nil
}

// processLabel names this process in log lines: the binary basename plus the
// first subcommand, or an inherited FLYWHEEL_DEBUG_PROCESS label.
func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		arg = strings.TrimSpace(arg)
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// goroutineID parses the goroutine number from runtime.Stack output. Only
// used in debug mode where the stack capture cost is acceptable.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}
