package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the node logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// LogError logs err at error level for the given stage.
func LogError(log zerolog.Logger, stage string, err error) {
	log.Error().Err(err).Str("stage", stage).Msg("operation failed")
}
