// Package logging centralizes slog setup for the daemon, the same
// way the orchestrator's sibling logging package picks a handler and level
// from environment variables and installs itself as the process default.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init builds a *slog.Logger scoped to service, installs it as the default
// logger, and returns it. HARNESS_JSON_LOG selects a JSON handler (any of
// "1", "true", "json", case-insensitive); anything else (including unset)
// selects a human-readable text handler. HARNESS_LOG_LEVEL selects the
// minimum level (debug, info, warn, error; default info).
func Init(service string) *slog.Logger {
	level := levelFromEnv()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonLogEnabled() {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonLogEnabled(), "level", level.Level())
	return logger
}

func jsonLogEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("HARNESS_JSON_LOG")))
	return v == "1" || v == "true" || v == "json"
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("HARNESS_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
