package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the logging level.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Logger is a leveled wrapper over a zap sugared logger.
type Logger struct {
	level   Level
	sugar   *zap.SugaredLogger
	enabled bool
}

var (
	mu           sync.RWMutex
	globalLogger *Logger
)

// Options controls logger output.
type Options struct {
	Enabled bool
	Level   string
	File    string
	Console bool
	Format  string // console|json
}

// Init initializes the logger.
func Init(enabled bool, levelStr, logFile string, console bool) error {
	return InitWithOptions(Options{Enabled: enabled, Level: levelStr, File: logFile, Console: console})
}

// InitWithOptions initializes the logger with an explicit encoding format.
func InitWithOptions(opts Options) error {
	if !opts.Enabled {
		set(&Logger{enabled: false})
		return nil
	}

	level := parseLevel(opts.Level)
	var outputs []string

	if opts.File != "" {
		dir := filepath.Dir(opts.File)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		outputs = append(outputs, opts.File)
	}
	if opts.Console || len(outputs) == 0 {
		outputs = append(outputs, "stdout")
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = []string{"stderr"}
	if strings.ToLower(opts.Format) == "json" {
		cfg.Encoding = "json"
	} else {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	z, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	set(&Logger{level: level, sugar: z.Sugar(), enabled: true})
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	l := get()
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func set(l *Logger) {
	mu.Lock()
	prev := globalLogger
	globalLogger = l
	mu.Unlock()
	if prev != nil && prev.sugar != nil {
		_ = prev.sugar.Sync()
	}
}

func get() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

func parseLevel(levelStr string) Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func active(level Level) *zap.SugaredLogger {
	l := get()
	if l == nil || !l.enabled || l.sugar == nil || l.level > level {
		return nil
	}
	return l.sugar
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	if s := active(Debug); s != nil {
		s.Debugf(format, args...)
	}
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	if s := active(Info); s != nil {
		s.Infof(format, args...)
	}
}

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) {
	if s := active(Warn); s != nil {
		s.Warnf(format, args...)
	}
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	if s := active(Error); s != nil {
		s.Errorf(format, args...)
	}
}

// With returns a structured logger carrying the given key/value pairs.
// It falls back to a no-op logger before Init.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	l := get()
	if l == nil || !l.enabled || l.sugar == nil {
		return zap.NewNop().Sugar()
	}
	return l.sugar.With(keysAndValues...)
}
