// Package logging provides structured logging for the ilix client.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) color() string {
	switch l {
	case DEBUG:
		return "\033[36m" // Cyan
	case INFO:
		return "\033[32m" // Green
	case WARN:
		return "\033[33m" // Yellow
	case ERROR:
		return "\033[31m" // Red
	default:
		return "\033[0m"
	}
}

// Logger is a leveled logger with attached fields. Every state slice gets its
// own component logger so a reconciliation trace reads top to bottom.
type Logger struct {
	component string
	fields    map[string]any
}

type sink struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	colors bool
}

var out = &sink{
	level:  INFO,
	output: os.Stderr,
	colors: true,
}

// SetLevel sets the global log level.
func SetLevel(level Level) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.level = level
}

// SetOutput redirects all loggers to w and disables colors.
func SetOutput(w io.Writer) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.output = w
	out.colors = false
}

// Component returns a logger tagged with a component name, e.g. "state.pool".
func Component(name string) *Logger {
	return &Logger{component: name, fields: map[string]any{}}
}

// WithField returns a copy of the logger with one extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.WithFields(map[string]any{key: value})
}

// WithFields returns a copy of the logger with extra fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	child := &Logger{component: l.component, fields: make(map[string]any, len(l.fields)+len(fields))}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

func (l *Logger) log(level Level, msg string, args ...any) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if level < out.level {
		return
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var fieldsStr string
	if len(l.fields) > 0 {
		// Deterministic field order so log lines diff cleanly
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fieldsStr = " |"
		for _, k := range keys {
			fieldsStr += fmt.Sprintf(" %s=%v", k, l.fields[k])
		}
	}

	levelTag := fmt.Sprintf("[%s]", level)
	if out.colors {
		levelTag = level.color() + levelTag + "\033[0m"
	}

	fmt.Fprintf(out.output, "%s %s %s: %s%s\n",
		time.Now().Format("15:04:05"), levelTag, l.component, msg, fieldsStr)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(ERROR, msg, args...) }
