package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Settings holds user-level preferences: logging, the store location,
// web surface defaults, and notification credentials shared across
// runs. Loaded from config.toml with FLYWHEEL_* environment overrides.
type Settings struct {
	Logging LoggingSettings `toml:"logging" mapstructure:"logging"`
	Store   StoreSettings   `toml:"store" mapstructure:"store"`
	Web     WebSettings     `toml:"web" mapstructure:"web"`
	Notify  NotifySettings  `toml:"notify" mapstructure:"notify"`
	Debug   DebugSettings   `toml:"debug" mapstructure:"debug"`
}

// LoggingSettings controls operational log output.
type LoggingSettings struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" mapstructure:"level"`

	// Format is console or json.
	Format string `toml:"format" mapstructure:"format"`
}

// StoreSettings locates the sqlite store.
type StoreSettings struct {
	Path string `toml:"path" mapstructure:"path"`
}

// WebSettings configures the read-only web surface.
type WebSettings struct {
	// Addr is the listen address of `flywheel web`.
	Addr string `toml:"addr" mapstructure:"addr"`

	// Token, when set, is required on every request.
	Token string `toml:"token" mapstructure:"token"`

	// MDNS advertises the server as _flywheel._tcp on the local network.
	MDNS bool `toml:"mdns" mapstructure:"mdns"`

	// RateLimit is the per-IP request budget per minute. 0 disables.
	RateLimit int `toml:"rate_limit" mapstructure:"rate_limit"`
}

// NotifySettings carries credentials run definitions fall back to.
type NotifySettings struct {
	PushoverToken  string `toml:"pushover_token" mapstructure:"pushover_token"`
	PushoverUser   string `toml:"pushover_user" mapstructure:"pushover_user"`
	PushoverDevice string `toml:"pushover_device" mapstructure:"pushover_device"`
	WebhookURL     string `toml:"webhook_url" mapstructure:"webhook_url"`
}

// DebugSettings controls the diagnostic file logger.
type DebugSettings struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	File    string `toml:"file" mapstructure:"file"`
}

// DefaultSettings returns the settings used when no config file or
// environment override says otherwise.
func DefaultSettings() *Settings {
	return &Settings{
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
		},
		Store: StoreSettings{
			Path: "~/.flywheel/flywheel.db",
		},
		Web: WebSettings{
			Addr:      "127.0.0.1:8473",
			RateLimit: 120,
		},
		Debug: DebugSettings{
			File: "~/.flywheel/debug.log",
		},
	}
}

// Validate reports settings that no component could act on.
func (s *Settings) Validate() error {
	switch strings.ToLower(s.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", s.Logging.Level)
	}
	switch strings.ToLower(s.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", s.Logging.Format)
	}
	if strings.TrimSpace(s.Store.Path) == "" {
		return fmt.Errorf("store.path: is required")
	}
	if s.Web.RateLimit < 0 {
		return fmt.Errorf("web.rate_limit: must not be negative")
	}
	return nil
}

// expandTilde expands a leading ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in every path-valued settings field.
func expandPaths(s *Settings) {
	s.Store.Path = expandTilde(s.Store.Path)
	s.Debug.File = expandTilde(s.Debug.File)
}
