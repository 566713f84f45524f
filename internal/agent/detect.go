package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"
)

// versionProbeTimeout bounds each version flag attempt so a hung binary
// cannot stall the agents command.
const versionProbeTimeout = 1800 * time.Millisecond

var (
	semverRE     = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)
	versionFlags = []string{"--version", "-v", "version"}
)

// Detected describes a preset whose binary was found on this machine.
type Detected struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Detect resolves each builtin preset's binary against PATH and the
// usual install locations, following symlinks, and probes each binary
// for a version string. Presets whose binary is missing are left out.
func Detect() []Detected {
	var found []Detected
	for name, spec := range Builtin() {
		path, ok := resolveBinaryPath(spec.Command)
		if !ok {
			continue
		}
		found = append(found, Detected{
			Name:    name,
			Path:    path,
			Version: detectVersion(path),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found
}

// resolveBinaryPath finds a binary on PATH first, then in the install
// directories PATH often misses under launchd or cron.
func resolveBinaryPath(binary string) (string, bool) {
	if p, err := exec.LookPath(binary); err == nil {
		if real, ok := canonicalExecutable(p); ok {
			return real, true
		}
	}
	for _, dir := range installDirs() {
		if real, ok := canonicalExecutable(filepath.Join(dir, binary)); ok {
			return real, true
		}
	}
	return "", false
}

func installDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		for _, sub := range []string{".local/bin", "bin", ".npm-global/bin"} {
			if d := filepath.Join(home, sub); !slices.Contains(dirs, d) {
				dirs = append(dirs, d)
			}
		}
	}
	return dirs
}

// canonicalExecutable verifies path points at an executable file and
// resolves symlinks so npm shims and homebrew links report their real
// location.
func canonicalExecutable(path string) (string, bool) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", false
	}
	if runtime.GOOS != "windows" && fi.Mode()&0111 == 0 {
		return "", false
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, true
}

// detectVersion tries the common version flags in order and returns the
// first parseable answer.
func detectVersion(commandPath string) string {
	for _, flag := range versionFlags {
		if v := parseVersion(probe(commandPath, flag)); v != "" {
			return v
		}
	}
	return "unknown"
}

func probe(commandPath, flag string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()
	// Some CLIs print their version to stderr, so capture both streams
	// and ignore the exit status.
	out, _ := exec.CommandContext(ctx, commandPath, flag).CombinedOutput()
	return strings.TrimSpace(string(out))
}

// parseVersion pulls a semver-looking token out of probe output, falling
// back to the first line truncated to a displayable length.
func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if m := semverRE.FindStringSubmatch(output); len(m) > 1 {
		return m[1]
	}
	line, _, _ := strings.Cut(output, "\n")
	line = strings.TrimSpace(line)
	if len(line) > 48 {
		line = line[:48]
	}
	return line
}
