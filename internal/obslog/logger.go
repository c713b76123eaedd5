// Package obslog provides the runner's process-wide logging, grounded on
// the teacher's internal/common.Logger: a leveled logger writing to a
// state-directory log file with bracketed level prefixes, generalized to
// also tag the emitting component the way the reference tags proxy
// direction.
package obslog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger is a leveled, component-tagged logger that also carries the
// structured connection/provider/availability event stream (EventLog).
type Logger struct {
	mu      sync.Mutex
	logger  *log.Logger
	logFile *os.File
	events  *EventLog
}

// New creates a Logger writing to stateDir/runner.log (created if absent)
// in addition to stderr, matching the teacher's
// "home dir + .centian + log file" convention generalized to an injected
// state directory rather than a hardcoded home-relative path. It also
// opens the stateDir's JSON Lines event log used by Event.
func New(stateDir string) (*Logger, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("obslog: create state dir: %w", err)
	}

	logPath := filepath.Join(stateDir, "runner.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: open log file: %w", err)
	}

	events, err := NewEventLog(stateDir)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}

	writer := io.MultiWriter(os.Stderr, logFile)
	return &Logger{
		logger:  log.New(writer, "", log.LstdFlags),
		logFile: logFile,
		events:  events,
	}, nil
}

// NewDiscard returns a Logger that discards all log lines and events,
// used by tests that don't want to touch the filesystem.
func NewDiscard() *Logger {
	return &Logger{logger: log.New(io.Discard, "", 0)}
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if l.events != nil {
		_ = l.events.Close()
	}
	if l.logFile == nil {
		return nil
	}
	return l.logFile.Close()
}

// Event appends a structured connection/provider/availability record to
// the event log. Nil-safe and a no-op when the Logger has no EventLog
// (NewDiscard, or tests), so callers don't need to guard every call site.
func (l *Logger) Event(component, kind string, detail map[string]any) {
	if l == nil || l.events == nil {
		return
	}
	if err := l.events.Record(component, kind, detail); err != nil {
		l.Warn(component, "failed to record event %s: %v", kind, err)
	}
}

func (l *Logger) log(level, component, format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("[%s] [%s] %s", level, component, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(component, format string, args ...any) {
	l.log("INFO", component, format, args...)
}

func (l *Logger) Warn(component, format string, args ...any) {
	l.log("WARN", component, format, args...)
}

func (l *Logger) Error(component, format string, args ...any) {
	l.log("ERROR", component, format, args...)
}

func (l *Logger) Debug(component, format string, args ...any) {
	l.log("DEBUG", component, format, args...)
}
