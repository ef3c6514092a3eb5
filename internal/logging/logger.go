package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal printf-style logging contract used across the hub.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level controls the minimum severity emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type componentLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
}

var (
	defaultMu    sync.Mutex
	defaultOut   io.Writer = os.Stderr
	defaultLevel           = LevelInfo
)

// SetDefault configures the sink and level used by NewComponentLogger.
// Pass a nil writer to keep the current sink.
func SetDefault(out io.Writer, level Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if out != nil {
		defaultOut = out
	}
	defaultLevel = level
}

// NewComponentLogger returns the default hub logger scoped to a component.
func NewComponentLogger(component string) Logger {
	defaultMu.Lock()
	out, level := defaultOut, defaultLevel
	defaultMu.Unlock()
	return &componentLogger{out: out, level: level, component: component}
}

// New returns a logger writing to out at the given level.
func New(out io.Writer, level Level, component string) Logger {
	return &componentLogger{out: out, level: level, component: component}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %-5s [%s] %s\n", ts, level, l.component, msg)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
