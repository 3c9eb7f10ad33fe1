package engine

import "time"

// EventType captures the lifecycle notifications emitted while a batch runs.
type EventType string

const (
	EventTypeStarted     EventType = "started"
	EventTypeCompleted   EventType = "completed"
	EventTypeFailed      EventType = "failed"
	EventTypeKilled      EventType = "killed"
	EventTypeRetrying    EventType = "retrying"
	EventTypeSpawnFailed EventType = "spawn_failed"
)

// Event represents a single job lifecycle notification.
type Event struct {
	Timestamp time.Time
	RunID     string
	Job       string
	Pid       int
	Type      EventType
	Message   string
	Level     string
	Err       error
	Attempt   int
	Reason    string
}

const (
	ReasonSpawnError    = "spawn_error"
	ReasonExitCode      = "exit_code"
	ReasonSignal        = "signal"
	ReasonCallableError = "callable_error"
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "cancelled"
	ReasonBackoff       = "backoff"
)

func sendEvent(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	events <- evt
}
