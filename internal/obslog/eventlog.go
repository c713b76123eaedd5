package obslog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one structured record in the connection/provider/availability
// event stream, grounded on the teacher's internal/logging.LogEntry shape
// but generalized from "proxied MCP request/response" fields to the
// runner's own event vocabulary.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventLog appends Events as JSON Lines to a date-stamped file, grounded
// on the teacher's internal/logging.Logger (date-stamped JSONL, fsynced
// per write).
type EventLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewEventLog opens (creating if needed) stateDir/events_<date>.jsonl.
func NewEventLog(stateDir string) (*EventLog, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("obslog: create state dir: %w", err)
	}

	name := fmt.Sprintf("events_%s.jsonl", time.Now().Format("2006-01-02"))
	path := filepath.Join(stateDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: open event log: %w", err)
	}
	return &EventLog{file: f}, nil
}

// Record appends one event. Errors are intentionally swallowed into a
// returned error rather than panicking — this is diagnostic-only state,
// never load-bearing for the runner's correctness.
func (l *EventLog) Record(component, kind string, detail map[string]any) error {
	if l == nil {
		return nil
	}
	ev := Event{Timestamp: time.Now(), Component: component, Kind: kind, Detail: detail}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("obslog: marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("obslog: write event: %w", err)
	}
	return l.file.Sync()
}

func (l *EventLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
