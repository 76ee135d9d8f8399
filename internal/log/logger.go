// Package log provides structured event logging.
// This file appends JSON events to log.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventRunStarted         = "run_started"
	EventSessionSend        = "session_send"
	EventSessionRecv        = "session_recv"
	EventSessionTimeout     = "session_timeout"
	EventSessionEOF         = "session_eof"
	EventSpeedSet           = "speed_set"
	EventSpeedRestoreFailed = "speed_restore_failed"
	EventNodePlaced         = "node_placed"
	EventNodeUnplaced       = "node_unplaced"
	EventFanOutStarted      = "fanout_started"
	EventFanOutResult       = "fanout_result"
	EventJoinerFailed       = "joiner_failed"
	EventPingDelay          = "ping_delay"
	EventRunComplete        = "run_complete"
)

// LogEvent represents a single structured event written to the log.
type LogEvent struct {
	Time       time.Time              `json:"time"`
	Event      string                 `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Node       string                 `json:"node,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Value      string                 `json:"value,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Attempt    int                    `json:"attempt,omitempty"`
	Total      int                    `json:"total,omitempty"`
	Failed     int                    `json:"failed,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Logger writes append-only JSONL events to a log file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger that writes to .otdrive/log.jsonl inside dir.
// Creates the .otdrive/ directory if it does not already exist.
// Does not truncate an existing log file.
func NewLogger(dir string) (*Logger, error) {
	stateDir := filepath.Join(dir, ".otdrive")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create .otdrive directory: %w", err)
	}

	return &Logger{
		path: filepath.Join(stateDir, "log.jsonl"),
	}, nil
}

// Append writes a single LogEvent as one JSON line to the log file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// The file is opened in append mode, written to, and then closed.
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// Write implements Sink by turning a transcript entry into a session event.
// Errors are dropped: the transcript must never affect the caller.
func (l *Logger) Write(e Entry) {
	event := LogEvent{
		Time:    e.Time,
		Node:    e.Node,
		Text:    e.Text,
		Attempt: e.Attempt,
	}
	switch e.Direction {
	case DirSend:
		event.Event = EventSessionSend
		event.Command = e.Text
		event.Text = ""
	case DirRecv:
		event.Event = EventSessionRecv
	case DirTimeout:
		event.Event = EventSessionTimeout
	case DirEOF:
		event.Event = EventSessionEOF
	default:
		event.Event = e.Direction
	}
	_ = l.Append(event)
}

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}
