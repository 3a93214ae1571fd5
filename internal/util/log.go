package util

import (
	"fmt"
	"sync"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ---------------------------------------------------------------------------
// Logger sink
// ---------------------------------------------------------------------------

// Logger is the log sink handed to components. Every reported failure is
// exactly one Errorf call.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Console is the pterm-backed Logger.
var Console Logger = consoleLogger{}

type consoleLogger struct{}

func (consoleLogger) Debugf(format string, args ...interface{}) { LogDebug(format, args...) }
func (consoleLogger) Infof(format string, args ...interface{})  { LogInfo(format, args...) }
func (consoleLogger) Warnf(format string, args ...interface{})  { LogWarning(format, args...) }
func (consoleLogger) Errorf(format string, args ...interface{}) { LogError(format, args...) }

// Level identifies the severity of a buffered log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Entry is one buffered log line.
type Entry struct {
	Level   Level
	Message string
}

// LogBuffer keeps the most recent entries in memory and forwards every entry
// to next (if non-nil). A capacity <= 0 keeps everything.
type LogBuffer struct {
	next     Logger
	capacity int

	mu      sync.Mutex
	entries []Entry
}

// NewLogBuffer creates a LogBuffer that tees into next.
func NewLogBuffer(next Logger, capacity int) *LogBuffer {
	return &LogBuffer{next: next, capacity: capacity}
}

func (b *LogBuffer) Debugf(format string, args ...interface{}) {
	b.add(LevelDebug, format, args)
	if b.next != nil {
		b.next.Debugf(format, args...)
	}
}

func (b *LogBuffer) Infof(format string, args ...interface{}) {
	b.add(LevelInfo, format, args)
	if b.next != nil {
		b.next.Infof(format, args...)
	}
}

func (b *LogBuffer) Warnf(format string, args ...interface{}) {
	b.add(LevelWarn, format, args)
	if b.next != nil {
		b.next.Warnf(format, args...)
	}
}

func (b *LogBuffer) Errorf(format string, args ...interface{}) {
	b.add(LevelError, format, args)
	if b.next != nil {
		b.next.Errorf(format, args...)
	}
}

func (b *LogBuffer) add(level Level, format string, args []interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Level: level, Message: fmt.Sprintf(format, args...)})
	if b.capacity > 0 && len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *LogBuffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Count returns how many buffered entries are at or above min.
func (b *LogBuffer) Count(min Level) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.Level >= min {
			n++
		}
	}
	return n
}
