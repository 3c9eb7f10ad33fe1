package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/copen/internal/engine"
)

func TestFormatEventMessage(t *testing.T) {
	tests := []struct {
		name string
		evt  engine.Event
		want string
	}{
		{
			name: "message only",
			evt:  engine.Event{Message: "pid 42"},
			want: "pid 42",
		},
		{
			name: "error only",
			evt:  engine.Event{Err: errors.New("exit status 1")},
			want: "exit status 1",
		},
		{
			name: "message and error",
			evt:  engine.Event{Message: "job failed", Err: errors.New("exit status 1")},
			want: "job failed: exit status 1",
		},
		{
			name: "message and reason",
			evt:  engine.Event{Message: "killed", Reason: engine.ReasonTimeout},
			want: "killed (timeout)",
		},
		{
			name: "reason only",
			evt:  engine.Event{Reason: engine.ReasonBackoff},
			want: "backoff",
		},
		{
			name: "secrets masked",
			evt:  engine.Event{Message: "login failed", Err: errors.New("password=hunter2")},
			want: "login failed: password=[redacted]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEventMessage(tt.evt); got != tt.want {
				t.Fatalf("formatEventMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyEventTracksJobState(t *testing.T) {
	ui := newTestUI(t)
	ui.maxEvents = 2

	base := time.Unix(100, 0)
	ui.applyEvent(engine.Event{Timestamp: base, Job: "build", Type: engine.EventTypeStarted, Pid: 10, Attempt: 1})
	ui.applyEvent(engine.Event{Timestamp: base.Add(time.Second), Job: "build", Type: engine.EventTypeRetrying, Attempt: 1, Reason: engine.ReasonBackoff})
	ui.applyEvent(engine.Event{Timestamp: base.Add(2 * time.Second), Job: "build", Type: engine.EventTypeStarted, Pid: 11, Attempt: 2})

	ui.mu.RLock()
	state := ui.jobs["build"]
	ui.mu.RUnlock()
	if state == nil {
		t.Fatalf("expected job state to be recorded")
	}
	if state.pid != 11 || state.attempt != 2 || state.state != engine.EventTypeStarted {
		t.Fatalf("unexpected state: pid=%d attempt=%d state=%s", state.pid, state.attempt, state.state)
	}
	if len(state.history) != 2 {
		t.Fatalf("expected history trimmed to 2, got %d", len(state.history))
	}
	if !state.firstSeen.Equal(base) {
		t.Fatalf("expected first seen %v, got %v", base, state.firstSeen)
	}
}

func TestRefreshTableShowsResults(t *testing.T) {
	ui := newTestUI(t)
	ui.mu.Lock()
	ui.stateLocked("b", time.Now())
	ui.stateLocked("a", time.Now())
	ui.jobs["a"].finished = true
	ui.mu.Unlock()

	ui.SetResults([]engine.Result{{Job: "a", Status: engine.StatusFailed, Attempts: 3, Pid: 7, ExitCode: 1}})

	ui.mu.Lock()
	ui.refreshTableLocked()
	visible := append([]string(nil), ui.visible...)
	status := ui.table.GetCell(1, 1).Text
	ui.mu.Unlock()

	if strings.Join(visible, ",") != "a,b" {
		t.Fatalf("expected sorted jobs, got %v", visible)
	}
	if status != "failed" {
		t.Fatalf("expected failed status, got %q", status)
	}
}
