// Package logger provides a small structured logger that satisfies the
// core.Logger interface. Output is line-oriented key=value text on stderr.
package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger provides a basic structured logger implementation.
type SimpleLogger struct {
	mu     sync.RWMutex
	level  LogLevel
	fields map[string]interface{}
	out    *log.Logger
}

// NewSimpleLogger creates a logger at info level writing to stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level:  InfoLevel,
		fields: make(map[string]interface{}),
		out:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

// NewFromEnv creates a logger whose level follows LOG_LEVEL.
func NewFromEnv() *SimpleLogger {
	l := NewSimpleLogger()
	l.SetLevel(GetLogLevel())
	return l
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "DEBUG", msg, fields)
}

// Info logs an info message
func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "INFO", msg, fields)
}

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "WARN", msg, fields)
}

// Error logs an error message
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "ERROR", msg, fields)
}

// SetLevel sets the logging level from its string name.
func (l *SimpleLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// WithFields returns a logger that attaches the given fields to every line.
func (l *SimpleLogger) WithFields(fields map[string]interface{}) *SimpleLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &SimpleLogger{
		level:  l.level,
		fields: newFields,
		out:    l.out,
	}
}

func (l *SimpleLogger) log(level LogLevel, tag, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if level < l.level {
		return
	}

	parts := make([]string, 0, 2+len(l.fields)+len(fields))
	parts = append(parts, fmt.Sprintf("[%s]", tag), msg)
	parts = append(parts, formatFields(l.fields)...)
	parts = append(parts, formatFields(fields)...)

	l.out.Println(strings.Join(parts, " "))
}

// formatFields renders fields in stable key order so log lines are
// comparable across runs.
func formatFields(fields map[string]interface{}) []string {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return out
}

// GetLogLevel gets the current log level from environment
func GetLogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "INFO"
	}
	return level
}
