// Package logging configures the process-wide zerolog logger and derives
// component loggers from it.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a level name accepted on the command line and in config files.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DefaultService tags every entry written through the global logger.
const DefaultService = "intercom-etl"

var levels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level LogLevel

	// Pretty writes human-readable console lines instead of JSON.
	Pretty bool

	// Output receives log lines; nil means os.Stderr.
	Output io.Writer

	// Service is added as the "service" field; empty means DefaultService.
	Service string
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: DefaultService,
	}
}

// Setup installs the global logger and level and returns the logger.
// Component loggers created before Setup keep the previous output.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}

	logger := zerolog.New(out).With().Timestamp().Str("service", service).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel validates a level name. An empty name selects info.
func ParseLevel(name string) (LogLevel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return LevelInfo, nil
	}
	if _, ok := levels[name]; !ok {
		return "", fmt.Errorf("unknown log level %q", name)
	}
	if name == "warning" {
		return LevelWarn, nil
	}
	return LogLevel(name), nil
}

// parseLevel maps a level to zerolog. Unknown levels map to info.
func parseLevel(level LogLevel) zerolog.Level {
	if l, ok := levels[strings.ToLower(string(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page fetches (url, record count, continuation)
//   - Sink connect and queue flushes
//   - Reference cache lookups that fall back to the raw id
//
// Info: Normal operation events
//   - Import started and completed, with record counts
//   - Reference cache populated
//   - Fan-out run finished
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and rate limit throttling
//   - Record write failures
//   - Per-user event import failures
//
// Error: Error conditions requiring attention
//   - Source failures that abort a command
//   - Sink connection failures
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting package (client, pagination, sink, fanout, importer)
//   - run_id: Importer run identifier
//   - kind: Collection kind (tags, segments, admins, conversations, users, events)
//   - url: Page URL being fetched
//   - collection: Store collection written by a sink
//   - parent_key: User id owning a fan-out job
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network, api)
//   - remaining: Requests left in the rate limit window
