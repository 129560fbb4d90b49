// Package logger provides structured logging utilities.
package logger

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a structured JSON logger.
// Loggers derived with With share the parent's output and lock.
type Logger struct {
	output io.Writer
	level  Level
	fields map[string]any
	mu     *sync.Mutex
}

// New creates a new Logger with the specified output and level.
func New(output io.Writer, level string) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		output: output,
		level:  ParseLevel(level),
		fields: make(map[string]any),
		mu:     &sync.Mutex{},
	}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, "error")
}

// With returns a new Logger with additional fields.
func (l *Logger) With(keyvals ...any) *Logger {
	newLogger := &Logger{
		output: l.output,
		level:  l.level,
		fields: make(map[string]any, len(l.fields)+len(keyvals)/2),
		mu:     l.mu,
	}

	for k, v := range l.fields {
		newLogger.fields[k] = v
	}
	addKeyvals(newLogger.fields, keyvals)

	return newLogger
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.log(LevelDebug, msg, keyvals...)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.log(LevelInfo, msg, keyvals...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.log(LevelWarn, msg, keyvals...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, keyvals ...any) {
	l.log(LevelError, msg, keyvals...)
}

// log writes a log entry if the level is enabled.
func (l *Logger) log(level Level, msg string, keyvals ...any) {
	if !l.Enabled(level) {
		return
	}

	entry := make(map[string]any, len(l.fields)+len(keyvals)/2+3)
	for k, v := range l.fields {
		entry[k] = v
	}

	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level.String()
	entry["msg"] = msg

	addKeyvals(entry, keyvals)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = l.output.Write(append(data, '\n'))
}

// addKeyvals copies alternating key/value pairs into dst. Pairs with a
// non-string key are skipped; error values are stored as their message.
func addKeyvals(dst map[string]any, keyvals []any) {
	for i := 0; i < len(keyvals)-1; i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		if err, ok := keyvals[i+1].(error); ok && err != nil {
			dst[key] = err.Error()
			continue
		}
		dst[key] = keyvals[i+1]
	}
}
