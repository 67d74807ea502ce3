// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a log record must have to be emitted.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the on-wire shape of log records.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls logger construction.
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger configured per cfg. Unknown levels fall
// back to info rather than failing startup over a typo in an env var.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "resp-kv-server").
		Logger()
}

// RecoverAndLog is meant to be deferred at the top of background
// goroutines (TTL timers, flush workers, the health sweep) so a panic
// in one of them never takes the process down.
func RecoverAndLog(logger zerolog.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("component", component).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("recovered panic in background goroutine")
	}
}
