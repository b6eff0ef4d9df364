// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log with the structured
// key-value call signature the rest of the daemon uses, plus an
// optional syslog sink.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Config controls logger construction.
type Config struct {
	Level        string // "debug", "info", "warn", "error"
	Output       io.Writer
	ReportCaller bool
	Syslog       SyslogConfig
}

// DefaultConfig returns the daemon's default logging configuration:
// info level, plain text to stderr, syslog disabled.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a structured, leveled logger.
type Logger struct {
	base *charmlog.Logger
}

// New constructs a Logger from cfg. Syslog, if enabled, is added as an
// additional writer; failures to reach the syslog daemon are logged to
// the primary output and otherwise ignored (logging must never be why
// the daemon fails to start).
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var syslogErr error
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		} else {
			syslogErr = err
		}
	}

	base := charmlog.NewWithOptions(out, charmlog.Options{
		ReportCaller:    cfg.ReportCaller,
		ReportTimestamp: true,
	})
	base.SetLevel(parseLevel(cfg.Level))
	if syslogErr != nil {
		base.Warn("logging: syslog sink unavailable", "error", syslogErr)
	}

	return &Logger{base: base}
}

func parseLevel(s string) charmlog.Level {
	switch s {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Debug logs at debug level with key-value pairs.
func (l *Logger) Debug(msg string, kv ...any) { l.base.Debug(msg, kv...) }

// Info logs at info level with key-value pairs.
func (l *Logger) Info(msg string, kv ...any) { l.base.Info(msg, kv...) }

// Warn logs at warn level with key-value pairs.
func (l *Logger) Warn(msg string, kv ...any) { l.base.Warn(msg, kv...) }

// Error logs at error level with key-value pairs.
func (l *Logger) Error(msg string, kv ...any) { l.base.Error(msg, kv...) }

// With returns a child Logger with the given key-value pairs attached
// to every subsequent line.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

// WithError attaches "error" as a field, returning an *entry that can
// chain into WithFields and a terminal level call.
func (l *Logger) WithError(err error) *entry {
	return &entry{logger: l, fields: map[string]any{"error": err}}
}

// WithFields attaches an arbitrary field map.
func (l *Logger) WithFields(fields map[string]any) *entry {
	return &entry{logger: l, fields: fields}
}

// entry accumulates fields before a terminal log call, mirroring the
// WithError(err).WithFields(...).Error(msg) chaining style used
// throughout this codebase.
type entry struct {
	logger *Logger
	fields map[string]any
}

func (e *entry) WithFields(fields map[string]any) *entry {
	merged := make(map[string]any, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &entry{logger: e.logger, fields: merged}
}

func (e *entry) kv() []any {
	kv := make([]any, 0, len(e.fields)*2)
	for k, v := range e.fields {
		kv = append(kv, k, v)
	}
	return kv
}

func (e *entry) Debug(msg string) { e.logger.Debug(msg, e.kv()...) }
func (e *entry) Info(msg string)  { e.logger.Info(msg, e.kv()...) }
func (e *entry) Warn(msg string)  { e.logger.Warn(msg, e.kv()...) }
func (e *entry) Error(msg string) { e.logger.Error(msg, e.kv()...) }
