// Package logging configures the process-wide zerolog logger and hands out
// component-tagged child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls global logger behavior.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is console or json. Defaults to console.
	Format string
	// EnableCaller adds file:line to every event.
	EnableCaller bool
	// Output overrides the destination. Defaults to stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	base = newLogger(Config{})
)

// Init installs the global base logger. Safe to call more than once; the
// last call wins. Component loggers created afterwards inherit the new
// settings.
func Init(cfg Config) {
	l := newLogger(cfg)
	mu.Lock()
	base = l
	mu.Unlock()
}

// Component returns a child logger tagged with component=name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return l.With().Str("component", name).Logger()
}

func newLogger(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.ToLower(strings.TrimSpace(cfg.Format)) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	ctx := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "", "info":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
