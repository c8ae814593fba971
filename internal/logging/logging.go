// Package logging wires the agent's structured log sink.
//
// The agent is a long-running process with no interactive console once
// deployed, so the default writer is JSON-per-line on stdout; a pretty
// console writer is used when LOG_PRETTY is set, for local runs.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root logger for the agent. level is one of
// "debug", "info", "warn", "error" (anything else defaults to "info").
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w = os.Stdout
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	} else {
		logger = zerolog.New(w)
	}
	logger = logger.With().Timestamp().Logger().Level(parseLevel(level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
