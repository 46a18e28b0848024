package cmd

import (
	"log/slog"
	"os"

	"github.com/webitel/rabbit-force/config"
)

// ProvideLogger builds the process-wide slog.Logger. Verbosity maps onto
// slog's level (0=warn, 1=info, 2+=debug); ShowTrace additionally adds
// source file/line to every record, per the --show-trace/-t flag.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case cfg.Verbosity <= 0:
		level = slog.LevelWarn
	case cfg.Verbosity >= 2:
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.ShowTrace,
	})
	return slog.New(handler)
}
