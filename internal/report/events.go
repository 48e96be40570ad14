package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventInstall   EventType = "install"
	EventRefresh   EventType = "refresh"
	EventReconcile EventType = "reconcile"
	EventMirror    EventType = "mirror"
	EventSync      EventType = "sync"
	EventPrincipal EventType = "principal"
	EventFallback  EventType = "search_fallback"
	EventError     EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single audit event
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      EventLevel        `json:"level"`
	Event      EventType         `json:"event"`
	Principal  string            `json:"principal,omitempty"`
	Version    string            `json:"version,omitempty"`
	Collection string            `json:"collection,omitempty"`
	DocID      string            `json:"doc_id,omitempty"`
	Query      string            `json:"query,omitempty"`
	Action     string            `json:"action,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Bytes      int64             `json:"bytes,omitempty"`
	Count      int               `json:"count,omitempty"`
	Duration   int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error      string            `json:"error,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
// minLevel determines which events are written (e.g., LevelInfo skips LevelDebug)
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("events-%s.jsonl", timestamp)
	path := filepath.Join(outputDir, filename)

	// Several commands may run within the same second
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil // Silently ignore if logger not initialized
	}

	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

func levelFor(err error, ok EventLevel) (EventLevel, string) {
	if err != nil {
		return LevelError, err.Error()
	}
	return ok, ""
}

// LogInstall logs a first-run snapshot installation
func (l *EventLogger) LogInstall(source, version string, bytes int64, duration time.Duration, err error) error {
	level, errMsg := levelFor(err, LevelInfo)
	return l.Log(&Event{
		Level:    level,
		Event:    EventInstall,
		Version:  version,
		Action:   source,
		Bytes:    bytes,
		Duration: duration.Milliseconds(),
		Error:    errMsg,
	})
}

// LogRefresh logs the outcome of a refresh attempt: "updated", "unchanged" or "failed"
func (l *EventLogger) LogRefresh(outcome, version string, bytes int64, duration time.Duration, err error) error {
	level, errMsg := levelFor(err, LevelInfo)
	if err == nil && outcome == "unchanged" {
		level = LevelDebug
	}
	return l.Log(&Event{
		Level:    level,
		Event:    EventRefresh,
		Version:  version,
		Action:   outcome,
		Bytes:    bytes,
		Duration: duration.Milliseconds(),
		Error:    errMsg,
	})
}

// LogReconcile logs a reconciliation pass
func (l *EventLogger) LogReconcile(principal, version string, deleted int, err error) error {
	level, errMsg := levelFor(err, LevelInfo)
	return l.Log(&Event{
		Level:     level,
		Event:     EventReconcile,
		Principal: principal,
		Version:   version,
		Count:     deleted,
		Error:     errMsg,
	})
}

// LogMirror logs a mirror write. Failures are warnings since the local write stands.
func (l *EventLogger) LogMirror(principal, collection, docID, op string, attempts int, err error) error {
	level := LevelDebug
	errMsg := ""
	if err != nil {
		level = LevelWarning
		errMsg = err.Error()
	}
	return l.Log(&Event{
		Level:      level,
		Event:      EventMirror,
		Principal:  principal,
		Collection: collection,
		DocID:      docID,
		Action:     op,
		Count:      attempts,
		Error:      errMsg,
	})
}

// LogSync logs an initial sync
func (l *EventLogger) LogSync(principal string, pulled int, err error) error {
	level, errMsg := levelFor(err, LevelInfo)
	if err != nil {
		level = LevelWarning
	}
	return l.Log(&Event{
		Level:     level,
		Event:     EventSync,
		Principal: principal,
		Count:     pulled,
		Error:     errMsg,
	})
}

// LogPrincipal logs a principal lifecycle action (open, logout, clear, cleanup)
func (l *EventLogger) LogPrincipal(principal, action string, count int) error {
	return l.Log(&Event{
		Level:     LevelInfo,
		Event:     EventPrincipal,
		Principal: principal,
		Action:    action,
		Count:     count,
	})
}

// LogFallback logs a search served by the remote store
func (l *EventLogger) LogFallback(collection, query string, results int, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return l.Log(&Event{
		Level:      LevelWarning,
		Event:      EventFallback,
		Collection: collection,
		Query:      query,
		Count:      results,
		Reason:     msg,
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, reason string, err error) error {
	return l.Log(&Event{
		Level:  LevelError,
		Event:  event,
		Reason: reason,
		Error:  err.Error(),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
