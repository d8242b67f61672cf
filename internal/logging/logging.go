// Package logging configures Conductor's process-wide structured logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w (os.Stderr in production).
// level is one of zerolog's level names ("debug", "info", "warn", "error");
// an unrecognised value falls back to "info".
func New(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Default returns a logger writing to stderr at info level, for use before
// configuration has loaded.
func Default() zerolog.Logger {
	return New(os.Stderr, "info")
}
