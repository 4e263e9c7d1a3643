package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs the service logger. Development output is human
// readable and includes debug events.
func NewLogger(appEnv string) zerolog.Logger {
	return newLogger(os.Stdout, appEnv)
}

func newLogger(out io.Writer, appEnv string) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "comicstudio").
		Logger()
}

// NopLogger returns a logger that drops everything. Packages use it when the
// caller passes no logger.
func NopLogger() *Logger {
	l := zerolog.Nop()
	return &l
}

// Component derives a child logger tagged with the owning package.
func Component(base *Logger, name string) *Logger {
	if base == nil {
		return NopLogger()
	}
	l := base.With().Str("component", name).Logger()
	return &l
}

// Logger aliases zerolog.Logger so packages can take a logger without
// importing the third-party module directly.
type Logger = zerolog.Logger
