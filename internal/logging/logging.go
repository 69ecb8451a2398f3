// Package logging configures the process-wide slog logger for inquest.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger and returns it. Output is JSON when
// SWARM_JSON_LOG is 1/true/json, text otherwise; level comes from
// SWARM_LOG_LEVEL (debug|info|warn|error, default info).
func Init(service string) *slog.Logger {
	jsonMode := isJSONMode()
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonMode)
	return logger
}

// Component returns a child of the default logger tagged with a component
// attribute. Packages use this instead of carrying a logger through every
// constructor.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

func isJSONMode() bool {
	switch strings.ToLower(os.Getenv("SWARM_JSON_LOG")) {
	case "1", "true", "json":
		return true
	}
	return false
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("SWARM_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
