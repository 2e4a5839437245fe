package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// ZerologLevel maps the configured level; anything unrecognised is info.
func (c LoggingConfig) ZerologLevel() zerolog.Level {
	if level, ok := logLevels[strings.ToLower(c.Level)]; ok {
		return level
	}
	return zerolog.InfoLevel
}

func (c LoggingConfig) validate() error {
	if _, ok := logLevels[strings.ToLower(c.Level)]; !ok && c.Level != "" {
		return fmt.Errorf("LOG_LEVEL %q: want trace, debug, info, warn or error", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console", "text":
		return nil
	}
	return fmt.Errorf("LOG_FORMAT %q: want json or console", c.Format)
}

// Console reports whether the format is meant for a terminal.
func (c LoggingConfig) Console() bool {
	format := strings.ToLower(c.Format)
	return format == "console" || format == "text"
}

// NewLogger builds a logger on out tagged with the subcommand that owns
// it. JSON is the default; "console" (or "text") is for terminals.
func NewLogger(out io.Writer, cfg LoggingConfig, command string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Console() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(out).
		Level(cfg.ZerologLevel()).
		With().
		Timestamp().
		Str("service", "loader").
		Str("command", command).
		Logger()
}
