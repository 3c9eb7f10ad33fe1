package cliutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/copen/internal/engine"
)

func TestEncodeEventInfersLevel(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected string
	}{
		{name: "errorToken", message: "[ERROR] failed to start", expected: "error"},
		{name: "warnToken", message: "WARN job requires attention", expected: "warn"},
		{name: "infoToken", message: "info: job started", expected: "info"},
		{name: "noTokenDefaults", message: "started pid 12", expected: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			var errBuf bytes.Buffer

			event := engine.Event{
				Timestamp: time.Unix(0, 0),
				Message:   tc.message,
			}

			EncodeEvent(json.NewEncoder(&out), &errBuf, event)

			if errBuf.Len() != 0 {
				t.Fatalf("unexpected stderr output: %s", errBuf.String())
			}

			var record EventRecord
			if err := json.Unmarshal(out.Bytes(), &record); err != nil {
				t.Fatalf("failed to unmarshal event record: %v", err)
			}

			if record.Level != tc.expected {
				t.Fatalf("expected level %q, got %q", tc.expected, record.Level)
			}
		})
	}
}

func TestEncodeEventKeepsProvidedLevel(t *testing.T) {
	var out bytes.Buffer
	var errBuf bytes.Buffer

	event := engine.Event{
		Timestamp: time.Unix(0, 0),
		Job:       "build",
		Type:      engine.EventTypeKilled,
		Message:   "killed (timeout)",
		Level:     "warn",
		Reason:    engine.ReasonTimeout,
		Err:       engine.ErrTimeout,
	}

	EncodeEvent(json.NewEncoder(&out), &errBuf, event)

	var record EventRecord
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("failed to unmarshal event record: %v", err)
	}
	if record.Level != "warn" || record.Type != "killed" || record.Reason != "timeout" || record.Error != "job timed out" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestNewEventRecordRedactsSecrets(t *testing.T) {
	event := engine.Event{
		Timestamp: time.Unix(0, 0),
		Message:   `sending ${API_TOKEN} AWS_SECRET_ACCESS_KEY="super-secret"`,
		Err:       errors.New("login failed: password=hunter2"),
	}

	record := NewEventRecord(event)

	if strings.Contains(record.Message, "${API_TOKEN}") {
		t.Fatalf("expected template placeholder to be redacted, got %q", record.Message)
	}
	if !strings.Contains(record.Message, "${[redacted]}") {
		t.Fatalf("expected template placeholder marker, got %q", record.Message)
	}
	if !strings.Contains(record.Message, `AWS_SECRET_ACCESS_KEY="[redacted]"`) {
		t.Fatalf("expected known secret key redacted, got %q", record.Message)
	}
	if strings.Contains(record.Error, "hunter2") {
		t.Fatalf("expected error secret redacted, got %q", record.Error)
	}
}

func TestFormatEvent(t *testing.T) {
	line := FormatEvent(engine.Event{
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Job:       "flaky",
		Type:      engine.EventTypeRetrying,
		Message:   "retrying in 100ms",
		Level:     "warn",
		Attempt:   2,
	})
	want := "12:00:00.000 WARN  flaky (attempt 2): retrying retrying in 100ms"
	if line != want {
		t.Fatalf("unexpected line:\n got %q\nwant %q", line, want)
	}
}

func TestRedactEnv(t *testing.T) {
	got := RedactEnv(map[string]string{"DB_PASSWORD": "x", "MODE": "fast", "GITHUB_TOKEN": "y"})
	if got["DB_PASSWORD"] != redactedPlaceholder || got["GITHUB_TOKEN"] != redactedPlaceholder || got["MODE"] != "fast" {
		t.Fatalf("unexpected redaction: %v", got)
	}
	if RedactEnv(nil) != nil {
		t.Fatalf("expected nil for nil env")
	}
}
