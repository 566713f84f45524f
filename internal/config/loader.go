// Package config loads flywheel's settings and run-definition files.
// Settings come from config.toml resolved through viper with defaults,
// file values, and FLYWHEEL_* environment overrides in that precedence;
// run definitions are plain TOML files resolved into the concrete
// configs the engine components consume.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader resolves Settings through viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a settings loader with the default search paths.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile pins an explicit config file path. Loading then fails
// when the file is missing instead of falling back to defaults.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = expandTilde(path)
}

// Load resolves settings: defaults, then the config file, then
// environment overrides, then validation.
func (l *Loader) Load() (*Settings, error) {
	cfg := DefaultSettings()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		if l.configFile != "" {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the config file that was loaded, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setupViper(cfg *Settings) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("toml")

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "flywheel"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "flywheel"))
		v.AddConfigPath(filepath.Join(home, ".flywheel"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("FLYWHEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("web.addr", cfg.Web.Addr)
	v.SetDefault("web.token", cfg.Web.Token)
	v.SetDefault("web.mdns", cfg.Web.MDNS)
	v.SetDefault("web.rate_limit", cfg.Web.RateLimit)
	v.SetDefault("notify.pushover_token", cfg.Notify.PushoverToken)
	v.SetDefault("notify.pushover_user", cfg.Notify.PushoverUser)
	v.SetDefault("notify.pushover_device", cfg.Notify.PushoverDevice)
	v.SetDefault("notify.webhook_url", cfg.Notify.WebhookURL)
	v.SetDefault("debug.enabled", cfg.Debug.Enabled)
	v.SetDefault("debug.file", cfg.Debug.File)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

// LoadSettings loads settings from the given file, or from the default
// search paths when path is empty.
func LoadSettings(path string) (*Settings, error) {
	l := NewLoader()
	if path != "" {
		l.SetConfigFile(path)
	}
	return l.Load()
}
