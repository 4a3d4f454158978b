package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/0711-os/orchestrator/internal/config"
)

// NewLogger creates the process logger. Every line carries the service name
// and, when set, the storage root the worker manages.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.StorageRoot != "" {
		ctx = ctx.Str("storage_root", cfg.StorageRoot)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return ctx.Logger().Level(level)
}
