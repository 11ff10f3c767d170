// Package logging provides a small leveled wrapper around the standard
// library's *log.Logger, matching the tagged-prefix convention used
// throughout this module's components (e.g. "[UPSTREAM] ", "[ROUTER] ").
package logging

import (
	"log"
	"os"
	"strings"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel parses a LOG_LEVEL string ("trace", "debug", "info",
// "warn", "error"), defaulting to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger wraps a tagged *log.Logger and drops messages below its
// configured Level.
type Logger struct {
	level Level
	tag   *log.Logger
}

// New constructs a Logger writing to stderr with the given tag
// ("[FILTERED-PROXY] ", etc.) at the given level.
func New(tag string, level Level) *Logger {
	return &Logger{
		level: level,
		tag:   log.New(os.Stderr, tag, log.LstdFlags),
	}
}

// Std returns the underlying *log.Logger, for components (like
// upstream.Config.Logger) that take a plain *log.Logger rather than
// this leveled wrapper.
func (l *Logger) Std() *log.Logger {
	return l.tag
}

// Level returns the logger's configured verbosity threshold, for
// constructing sibling Loggers (different tag, same threshold).
func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	if len(args) == 0 {
		l.tag.Print(format)
		return
	}
	l.tag.Printf(format, args...)
}

func (l *Logger) Tracef(format string, args ...any) { l.log(LevelTrace, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }
