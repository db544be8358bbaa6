// Package logging provides structured JSON logging for the sync daemon
// and its tooling.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger writes JSON lines of the form
// {"timestamp":..., "level":..., "message":..., "context":{...}}.
type Logger struct {
	base     *logrus.Logger
	minLevel LogLevel
	rotator  *lumberjack.Logger
}

// Options configures a file-backed logger.
type Options struct {
	Level      string
	File       string // empty means stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Console    bool // also write to stderr when File is set
}

var (
	global *Logger
	mu     sync.RWMutex
)

// New creates a logger writing to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		DataKey:         "context",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	l := &Logger{base: base}
	l.SetLevel(minLevel)
	return l
}

// Configure builds a logger from options, installs it as the global logger
// and returns it. Log files are rotated by size.
func Configure(opts Options) *Logger {
	var out io.Writer = os.Stderr
	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = rotator
		if opts.Console {
			out = io.MultiWriter(os.Stderr, rotator)
		}
	}

	l := New(out, ParseLevel(opts.Level))
	l.rotator = rotator
	SetGlobal(l)
	return l
}

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	SetGlobal(New(out, minLevel))
}

// SetGlobal replaces the global logger.
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(os.Stdout, LevelInfo)
	}
	return global
}

// ParseLevel maps a case-insensitive level name to a LogLevel.
// Unknown names map to LevelInfo.
func ParseLevel(s string) LogLevel {
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

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.minLevel = level
	switch level {
	case LevelDebug:
		l.base.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		l.base.SetLevel(logrus.WarnLevel)
	case LevelError:
		l.base.SetLevel(logrus.ErrorLevel)
	default:
		l.base.SetLevel(logrus.InfoLevel)
	}
}

// Level returns the minimum level.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

func (l *Logger) entry(err error, context ...map[string]interface{}) *logrus.Entry {
	e := logrus.NewEntry(l.base)
	if fields := mergeContext(context...); len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.entry(nil, context...).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.entry(nil, context...).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.entry(nil, context...).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.entry(err, context...).Error(message)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	merged := mergeContext(context...)
	if merged == nil {
		merged = make(map[string]interface{}, 1)
	}
	merged["code"] = code
	l.entry(err, merged).Error(message)
}

// mergeContext merges multiple context maps into a fresh map.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
