// Package logging builds the zerolog logger shared by the daemon. Components
// receive it by injection and derive sub-loggers with WithComponent.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"mnrestd/internal/config"
)

// New builds a logger from the logging configuration. When cfg.File is set,
// output goes to a rotating file, and also to stderr when debug is on. The
// configured level is applied globally through SetLevel.
func New(cfg config.LogConfig, debug bool) zerolog.Logger {
	var output io.Writer = os.Stderr
	if cfg.File != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
		output = fileLogger
		if debug {
			output = io.MultiWriter(fileLogger, os.Stderr)
		}
	}
	level := ParseLevel(cfg.Level)
	if debug {
		level = zerolog.DebugLevel
	}
	SetLevel(level)
	return NewLogger(output, zerolog.TraceLevel)
}

// SetLevel changes the process-wide minimum level. Loggers built by New defer
// to it, so a config reload can raise or lower verbosity at runtime.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// NewLogger creates a JSON logger writing to output at the given level.
func NewLogger(output io.Writer, level zerolog.Level) zerolog.Logger {
	if output == nil {
		output = os.Stderr
	}
	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config token to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger with the component field set.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
