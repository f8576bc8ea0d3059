package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// NewJSONLogger creates a new JSON logger
func NewJSONLogger(writer io.Writer, level Level) *JSONLogger {
	return &JSONLogger{
		writer: writer,
		shared: &loggerCore{level: level},
	}
}

// NewFromEnv creates a stdout logger at the given level, unless LOG_LEVEL overrides it.
func NewFromEnv(level string) *JSONLogger {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	return NewJSONLogger(os.Stdout, ParseLevel(level))
}

func (l *JSONLogger) log(level Level, msg string, fields ...Field) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()

	if level < l.shared.level {
		return
	}

	entry := LogEntry{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}

	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.writer, "[ERROR] failed to marshal log entry %q: %v\n", msg, err)
		return
	}
	data = append(data, '\n')
	l.writer.Write(data)
}

// Debug logs a debug-level message
func (l *JSONLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields...)
}

// Info logs an info-level message
func (l *JSONLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields...)
}

// Warn logs a warning-level message
func (l *JSONLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields...)
}

// Error logs an error-level message
func (l *JSONLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields...)
}

// With creates a child logger with the given fields pre-set
func (l *JSONLogger) With(fields ...Field) Logger {
	newFields := make([]Field, 0, len(l.fields)+len(fields))
	newFields = append(newFields, l.fields...)
	newFields = append(newFields, fields...)

	return &JSONLogger{
		writer: l.writer,
		shared: l.shared,
		fields: newFields,
	}
}

// SetLevel sets the minimum log level for this logger and all of its children
func (l *JSONLogger) SetLevel(level Level) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	l.shared.level = level
}

// GetLevel returns the current log level
func (l *JSONLogger) GetLevel() Level {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	return l.shared.level
}

var (
	defaultLogger Logger
	defaultMu     sync.RWMutex
)

// DefaultLogger returns the process-wide logger, creating a stdout logger on first use.
func DefaultLogger() Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("info")
	}
	return defaultLogger
}

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return DefaultLogger()
	}
	return l
}
