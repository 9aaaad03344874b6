package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // "stdout", "stderr", or a file path
	JSONFormat bool   `json:"json_format"` // JSON lines instead of console format
}

// ParseLevel converts a string to a zerolog level. Unknown strings map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures the process-wide logger and routes the standard library
// logger through it, so legacy log.Printf call sites emit structured lines.
func Setup(cfg *Config) zerolog.Logger {
	if cfg == nil {
		cfg = &Config{Level: "info", Output: "stdout", JSONFormat: true}
	}

	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	logger := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	log.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogAdapter{logger})

	return logger
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// stdLogAdapter turns standard library log writes into info-level events.
type stdLogAdapter struct {
	logger zerolog.Logger
}

func (a stdLogAdapter) Write(p []byte) (int, error) {
	a.logger.Info().Msg(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
