package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig contains logger configuration options.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	Level string

	// Format is the output format (json, console, pretty).
	Format string

	// Output is the output destination (stdout, stderr).
	Output string

	// AddSource adds source file and line number to log entries.
	AddSource bool

	// TimeFormat is the time format for timestamps.
	TimeFormat string
}

// DefaultLoggingConfig returns a LoggingConfig with sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a zerolog logger from configuration. Console and pretty
// formats wrap the destination in a ConsoleWriter.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	ctx := zerolog.New(logDestination(cfg)).With().Timestamp()
	if cfg.AddSource {
		ctx = ctx.Caller()
	}
	return ctx.Logger().Level(level)
}

func logDestination(cfg LoggingConfig) io.Writer {
	var out io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "stderr" {
		out = os.Stderr
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: zerolog.TimeFieldFormat}
	default:
		return out
	}
}

// parseLevel converts a string log level to zerolog.Level. Unknown values
// default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithSessionContext adds the session ID field to a logger.
func WithSessionContext(logger zerolog.Logger, sessionID string) zerolog.Logger {
	return logger.With().Str("session_id", sessionID).Logger()
}

// WithStageContext adds stage name and position fields to a logger.
func WithStageContext(logger zerolog.Logger, stage string, position int) zerolog.Logger {
	return logger.With().Str("stage", stage).Int("position", position).Logger()
}

// WithPaperContext adds paper identity fields to a logger.
func WithPaperContext(logger zerolog.Logger, paperID, arxivID string) zerolog.Logger {
	return logger.With().Str("paper_id", paperID).Str("arxiv_id", arxivID).Logger()
}

// WithSearchContext adds the search keyword field to a logger.
func WithSearchContext(logger zerolog.Logger, keyword string) zerolog.Logger {
	return logger.With().Str("keyword", keyword).Logger()
}

// WithAttemptContext adds operation and retry attempt fields to a logger.
func WithAttemptContext(logger zerolog.Logger, operation string, attempt int) zerolog.Logger {
	return logger.With().Str("operation", operation).Int("attempt", attempt).Logger()
}
