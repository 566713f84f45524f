package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// starterRunDef is the commented run definition `flywheel init` writes.
// It must stay loadable by LoadRunDef.
const starterRunDef = `# flywheel run definition
#
# flywheel run --file loop.toml

name = "my-loop"

# The instruction sent to the agent every iteration. Use prompt_file to
# keep long prompts in their own file.
prompt = """
Continue working through the open tasks. When a task is finished, run
the tests. Print DONE on its own line once everything passes.
"""

# work_dir = "."

[agent]
# Builtin presets: claude, codex, shell. Every field below overrides the
# preset's value; drop preset and set command to drive any binary.
preset = "claude"
# command = "my-agent"
# args = ["--flag"]
# completion_marker = '(?im)^\s*DONE\s*$'
# exit_command = "/exit"

[loop]
max_iterations = 50
delay = "2s"
# record_dir = "~/.flywheel/transcripts"

[session]
response_timeout = "10m"
# grace_period = "5s"

[redline]
# min_iterations_since_reboot = 3

[reboot]
enabled = true
graceful = true
graceful_delay = "5s"
min_interval = "2m"
max_per_hour = 6
failure_cooldown = "5m"
max_consecutive_failures = 3
# Reboot when the agent asks for it.
output_patterns = ['(?i)please /compact', '(?i)context window.*full']

[conditions]
# parallel = true
# timeout = "30s"
# cache_ttl = "5s"

[[conditions.success]]
kind = "output_pattern"
pattern = '(?m)^DONE$'

[[conditions.failure]]
kind = "failure_streak"
threshold = 5

[[conditions.normal]]
kind = "max_duration"
duration = "4h"

# Composites nest children under "of":
#
# [[conditions.success]]
# kind = "any"
#
#   [[conditions.success.of]]
#   kind = "tests_all_pass"
#
#   [[conditions.success.of]]
#   kind = "file_created"
#   path = "FINISHED"

# [[hooks]]
# name = "announce"
# point = "loop-start"
# command = "notify-send 'flywheel' 'run started'"

[notify]
# cooldown = "5m"
# [notify.pushover]
# app_token = ""
# user_key = ""
`

// WriteStarterRunDef writes the commented starter run definition,
// refusing to overwrite an existing file.
func WriteStarterRunDef(path string) error {
	return writeNew(path, []byte(starterRunDef))
}

// WriteDefaultSettings writes the default settings as TOML, refusing to
// overwrite an existing file.
func WriteDefaultSettings(path string) error {
	data, err := toml.Marshal(DefaultSettings())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return writeNew(path, data)
}

// DefaultSettingsPath returns the preferred location of config.toml.
func DefaultSettingsPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "flywheel", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "flywheel", "config.toml")
}

func writeNew(path string, data []byte) error {
	path = expandTilde(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, os.ErrExist)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
