package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/copen/internal/engine"
)

// EventRecord represents a lifecycle event ready for JSON encoding.
type EventRecord struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id"`
	Job       string    `json:"job"`
	Pid       int       `json:"pid,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewEventRecord converts an engine event into a structured record with
// secrets masked.
func NewEventRecord(event engine.Event) EventRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	record := EventRecord{
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
		Job:       event.Job,
		Pid:       event.Pid,
		Type:      string(event.Type),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Reason:    event.Reason,
		Attempt:   event.Attempt,
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	return strings.ToLower(matches[1])
}

// EncodeEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeEvent(enc *json.Encoder, stderr io.Writer, event engine.Event) {
	if enc == nil {
		return
	}
	record := NewEventRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode event: %v\n", err)
	}
}

// FormatEvent renders an event as a single human readable line.
func FormatEvent(event engine.Event) string {
	record := NewEventRecord(event)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", record.Timestamp.Format("15:04:05.000"), strings.ToUpper(record.Level), record.Job)
	if record.Attempt > 1 {
		fmt.Fprintf(&b, " (attempt %d)", record.Attempt)
	}
	fmt.Fprintf(&b, ": %s", record.Type)
	if record.Message != "" {
		fmt.Fprintf(&b, " %s", record.Message)
	}
	return b.String()
}
