// Package logging builds the application's zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger writing to w at level ("debug", "info", "warn", "error").
// format "console" produces human-readable output; anything else writes JSON.
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parsing log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Stderr builds a logger on standard error
func Stderr(level, format string) (zerolog.Logger, error) {
	return New(os.Stderr, level, format)
}
