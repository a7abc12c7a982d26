package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/config"
)

// NewLogger creates a structured zerolog.Logger with observability context fields
// from the config. Non-empty fields are added automatically.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.App.Name != "" {
		ctx = ctx.Str("service", cfg.App.Name)
	}
	if cfg.App.Env != "" {
		ctx = ctx.Str("env", cfg.App.Env)
	}
	if cfg.Tenant.ID != "" {
		ctx = ctx.Str("tenant", cfg.Tenant.ID)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil || cfg.App.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
