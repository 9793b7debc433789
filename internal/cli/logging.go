package cli

import (
	"io"
	"log/slog"

	"github.com/roach88/gpuchan/internal/config"
)

// newLogger builds the process logger from the config's log section.
// --verbose forces debug level. The logger is also installed as the slog
// default so packages that log through slog.Default pick it up.
func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}
