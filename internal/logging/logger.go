package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes structured JSON log lines. Fields are passed as maps so call
// sites read the same regardless of the backend.
type Logger struct {
	minLevel Level
	hl       hclog.Logger
}

func New(minLevel Level) *Logger {
	return NewWithOutput(minLevel, os.Stdout)
}

// NewWithOutput creates a logger that writes to w instead of stdout.
func NewWithOutput(minLevel Level, w io.Writer) *Logger {
	return &Logger{
		minLevel: minLevel,
		hl: hclog.New(&hclog.LoggerOptions{
			Name:       "keygate",
			Level:      toHCLogLevel(minLevel),
			Output:     w,
			JSONFormat: true,
			TimeFormat: time.RFC3339,
		}),
	}
}

func Default() *Logger {
	return New(LevelInfo)
}

// ParseLevel maps a config string (debug, info, warn, error) to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Level() Level {
	return l.minLevel
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{
		minLevel: l.minLevel,
		hl:       l.hl.With(flatten(fields)...),
	}
}

// Named returns a child logger with a sub-module name, e.g. "keygate.ratelimit".
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		minLevel: l.minLevel,
		hl:       l.hl.Named(name),
	}
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.hl.Debug(msg, flatten(mergeFields(fields))...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.hl.Info(msg, flatten(mergeFields(fields))...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.hl.Warn(msg, flatten(mergeFields(fields))...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.hl.Error(msg, flatten(mergeFields(fields))...)
}

func WithField(key string, value interface{}) map[string]interface{} {
	return map[string]interface{}{key: value}
}

func WithFields(fields map[string]interface{}) map[string]interface{} {
	return fields
}

// WithError is shorthand for WithField("error", err.Error()).
func WithError(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	return map[string]interface{}{"error": err.Error()}
}

func mergeFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	result := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

// flatten turns a field map into hclog key/value pairs in key order so
// output is stable.
func flatten(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		v := fields[k]
		switch tv := v.(type) {
		case error:
			v = tv.Error()
		case fmt.Stringer:
			v = tv.String()
		}
		args = append(args, k, v)
	}
	return args
}

func toHCLogLevel(level Level) hclog.Level {
	switch level {
	case LevelDebug:
		return hclog.Debug
	case LevelWarn:
		return hclog.Warn
	case LevelError:
		return hclog.Error
	default:
		return hclog.Info
	}
}
