// Package audit keeps a bounded in-memory trail of the mutations made
// through a coordinator's admin API.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action types for audit events
type Action string

const (
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionTick   Action = "tick"
)

// Status represents the outcome of an action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event represents a single audit log entry
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Subject      string    `json:"subject,omitempty"` // token subject; empty when auth is off
	Action       Action    `json:"action"`
	Table        string    `json:"table,omitempty"`
	Rows         int       `json:"rows"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
}

// Filter represents filtering criteria for audit events
type Filter struct {
	Subject   string
	Action    Action
	Table     string
	Status    Status
	StartTime *time.Time
	EndTime   *time.Time
}

func (f *Filter) matches(e *Event) bool {
	if f == nil {
		return true
	}
	switch {
	case f.Subject != "" && e.Subject != f.Subject,
		f.Action != "" && e.Action != f.Action,
		f.Table != "" && e.Table != f.Table,
		f.Status != "" && e.Status != f.Status,
		f.StartTime != nil && e.Timestamp.Before(*f.StartTime),
		f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	}
	return true
}

// Logger manages audit events in a circular buffer
type Logger struct {
	events     []*Event
	bufferSize int
	index      int
	count      int
	mu         sync.RWMutex
}

// NewLogger creates an audit logger holding at most bufferSize events
func NewLogger(bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Logger{
		events:     make([]*Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Log records an event, filling in its ID and timestamp if unset
func (l *Logger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	l.events[l.index] = event
	l.index = (l.index + 1) % l.bufferSize
	if l.count < l.bufferSize {
		l.count++
	}
}

// Events returns the stored events oldest first, narrowed by filter
func (l *Logger) Events(filter *Filter) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		idx := (l.index - l.count + i + l.bufferSize) % l.bufferSize
		if e := l.events[idx]; e != nil && filter.matches(e) {
			result = append(result, e)
		}
	}
	return result
}

// Recent returns the n most recent events, newest first
func (l *Logger) Recent(n int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.count {
		n = l.count
	}
	result := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.index - 1 - i + l.bufferSize) % l.bufferSize
		result = append(result, l.events[idx])
	}
	return result
}

// Count returns the number of events currently stored
func (l *Logger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// String returns a human-readable representation of an event
func (e *Event) String() string {
	subject := e.Subject
	if subject == "" {
		subject = "anonymous"
	}
	s := fmt.Sprintf("[%s] %s %s %s rows=%d %s",
		e.Timestamp.Format(time.RFC3339), subject, e.Action, e.Table, e.Rows, e.Status)
	if e.ErrorMessage != "" {
		s += ": " + e.ErrorMessage
	}
	return s
}
