// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log configures structured logging for weaver on top of
// log/slog and defines the field-key vocabulary shared across packages.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace sits below Debug and carries payload-level detail: LLM
// prompts and responses, fetched page bodies, raw provider hits.
const LevelTrace = slog.Level(-8)

// Shared field keys. Using these constants keeps field naming uniform so
// log lines from different packages aggregate cleanly.
const (
	// RunIDKey is the field key for research run identifiers.
	RunIDKey = "run_id"
	// NodeKey is the field key for workflow node identifiers.
	NodeKey = "node"
	// ModeKey is the field key for run modes (direct, web, agent, deep).
	ModeKey = "mode"
	// ProviderKey is the field key for LLM and search provider names.
	ProviderKey = "provider"
	// EpochKey is the field key for deep research epoch numbers.
	EpochKey = "epoch"
	// QueryKey is the field key for search query text.
	QueryKey = "query"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// EventKey is the field key for event types.
	EventKey = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv creates a Config from environment variables:
//
//	WEAVER_DEBUG      true/1 enables debug level and source info; wins
//	                  over every level variable below
//	WEAVER_LOG_LEVEL  trace, debug, info, warn, error
//	LOG_LEVEL         same values, lower precedence
//	LOG_FORMAT        json, text (default: json)
//	LOG_SOURCE        1 to enable source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("WEAVER_DEBUG") {
	case "true", "1":
		cfg.Level = "debug"
		cfg.AddSource = true
	default:
		if level := firstEnv("WEAVER_LOG_LEVEL", "LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(cfg.Output, opts))
	}
	return slog.New(slog.NewJSONHandler(cfg.Output, opts))
}

// parseLevel converts a string level to slog.Level. Unknown values fall
// back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
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

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext returns a new logger carrying run_id and mode on every
// subsequent entry. Nodes and providers layer their own fields on top.
func WithRunContext(logger *slog.Logger, runID, mode string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(ModeKey, mode),
	)
}

// WithNodeContext returns a new logger with run_id and node fields.
func WithNodeContext(logger *slog.Logger, runID, node string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(NodeKey, node),
	)
}

// WithProvider returns a new logger with a provider name field.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(ProviderKey, provider))
}

// Attr creates a new attribute with the given key and value.
func Attr(key string, value any) slog.Attr { return slog.Any(key, value) }

// String creates a string attribute.
func String(key, value string) slog.Attr { return slog.String(key, value) }

// Int creates an int attribute.
func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

// Int64 creates an int64 attribute.
func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }

// Bool creates a bool attribute.
func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }

// Error creates an error attribute.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value int64) slog.Attr { return slog.Int64(key+"_ms", value) }

// SanitizeAPIKey masks an API key, keeping only the last 4 characters.
// Keys of 4 characters or fewer are fully redacted.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}

// SanitizeSecret fully redacts a secret value.
func SanitizeSecret(secret string) string {
	return "[REDACTED]"
}

// Trace logs at trace level, skipping attribute evaluation when the
// level is disabled. Used for payload dumps that are expensive to format.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
