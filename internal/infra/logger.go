package infra

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging contract shared across packages.
type Logger = zerolog.Logger

// NewLogger builds the process logger tagged with service. Development
// writes human-readable lines at debug level; elsewhere JSON at info.
// LOG_LEVEL overrides the level in either mode.
func NewLogger(appEnv, service string) Logger {
	return buildLogger(os.Stdout, appEnv, service, os.Getenv("LOG_LEVEL"))
}

func buildLogger(out io.Writer, appEnv, service, levelName string) Logger {
	dev := appEnv == "development"
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}
	if name := strings.TrimSpace(levelName); name != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil {
			level = parsed
		}
	}
	if dev {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", service).Logger()
}

// NopLogger discards everything.
func NopLogger() Logger {
	return zerolog.Nop()
}
