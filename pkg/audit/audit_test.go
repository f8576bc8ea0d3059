package audit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFillsIDAndTimestamp(t *testing.T) {
	l := NewLogger(10)
	e := &Event{Subject: "ops", Action: ActionWrite, Table: "users", Rows: 1, Status: StatusSuccess}
	l.Log(e)

	assert.NotEmpty(t, e.ID)
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Second)
	assert.Equal(t, 1, l.Count())

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kept := &Event{ID: "given", Timestamp: fixed, Action: ActionTick, Status: StatusSuccess}
	l.Log(kept)
	assert.Equal(t, "given", kept.ID)
	assert.Equal(t, fixed, kept.Timestamp)
}

func TestBufferOverflowKeepsNewest(t *testing.T) {
	l := NewLogger(10)
	for i := 0; i < 15; i++ {
		l.Log(&Event{Action: ActionWrite, Table: fmt.Sprintf("t%d", i), Status: StatusSuccess})
	}

	events := l.Events(nil)
	require.Len(t, events, 10)
	assert.Equal(t, "t5", events[0].Table)
	assert.Equal(t, "t14", events[9].Table)
	assert.Equal(t, 10, l.Count())
}

func TestEventsFilter(t *testing.T) {
	l := NewLogger(100)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.Log(&Event{Timestamp: base, Subject: "ops", Action: ActionWrite, Table: "users", Status: StatusSuccess})
	l.Log(&Event{Timestamp: base.Add(time.Minute), Subject: "ops", Action: ActionDelete, Table: "posts", Status: StatusFailure})
	l.Log(&Event{Timestamp: base.Add(2 * time.Minute), Subject: "ci", Action: ActionWrite, Table: "posts", Status: StatusSuccess})
	l.Log(&Event{Timestamp: base.Add(3 * time.Minute), Subject: "ci", Action: ActionTick, Status: StatusSuccess})

	after := base.Add(90 * time.Second)
	tests := []struct {
		name   string
		filter *Filter
		want   int
	}{
		{"nil filter", nil, 4},
		{"empty filter", &Filter{}, 4},
		{"subject", &Filter{Subject: "ops"}, 2},
		{"action", &Filter{Action: ActionWrite}, 2},
		{"table", &Filter{Table: "posts"}, 2},
		{"status", &Filter{Status: StatusFailure}, 1},
		{"start time", &Filter{StartTime: &after}, 2},
		{"end time", &Filter{EndTime: &after}, 2},
		{"combined", &Filter{Subject: "ci", Table: "posts"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, l.Events(tt.filter), tt.want)
		})
	}
}

func TestRecent(t *testing.T) {
	l := NewLogger(5)
	assert.Empty(t, l.Recent(3))

	for i := 0; i < 7; i++ {
		l.Log(&Event{Action: ActionTick, Rows: i, Status: StatusSuccess})
	}
	recent := l.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, []int{6, 5, 4}, []int{recent[0].Rows, recent[1].Rows, recent[2].Rows})
	assert.Len(t, l.Recent(50), 5)
}

func TestConcurrentLog(t *testing.T) {
	l := NewLogger(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Log(&Event{Subject: fmt.Sprintf("s%d", id), Action: ActionWrite, Status: StatusSuccess})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, l.Count())
	assert.Len(t, l.Events(&Filter{Subject: "s3"}), 100)
}

func TestEventString(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &Event{Timestamp: ts, Subject: "ops", Action: ActionDelete, Table: "users", Rows: 2, Status: StatusSuccess}
	assert.Equal(t, "[2024-01-01T12:00:00Z] ops delete users rows=2 success", e.String())

	failed := &Event{Timestamp: ts, Action: ActionWrite, Table: "posts", Status: StatusFailure, ErrorMessage: "lock unavailable"}
	assert.Equal(t, "[2024-01-01T12:00:00Z] anonymous write posts rows=0 failure: lock unavailable", failed.String())
}
