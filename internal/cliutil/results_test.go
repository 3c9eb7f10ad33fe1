package cliutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/copen/internal/engine"
)

func sampleResults() []engine.Result {
	return []engine.Result{
		{RunID: "r1", Job: "hello", Kind: "command", Status: engine.StatusSucceeded, Attempts: 1, Pid: 10, ExitCode: 0, Output: []byte("hello\n"), Elapsed: 12 * time.Millisecond},
		{RunID: "r1", Job: "answer", Kind: "callable", Status: engine.StatusSucceeded, Attempts: 1, Pid: 11, ExitCode: 0, Value: 42, Elapsed: 3 * time.Second},
		{RunID: "r1", Job: "slow", Kind: "command", Status: engine.StatusTimedOut, Attempts: 1, Pid: 12, ExitCode: -1, Signal: syscall.SIGTERM, Err: engine.ErrTimeout},
		{RunID: "r1", Job: "missing", Kind: "command", Status: engine.StatusSpawnFailed, Attempts: 1, ExitCode: -1, Err: &engine.ExitError{Code: 127}},
	}
}

func TestWriteResultTable(t *testing.T) {
	var out bytes.Buffer
	if err := WriteResultTable(&out, sampleResults()); err != nil {
		t.Fatalf("write table: %v", err)
	}
	text := out.String()
	for _, want := range []string{"JOB", "hello", "succeeded", "answer", "42", "timed_out", "terminated", "job timed out", "2 succeeded, 2 failed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in table:\n%s", want, text)
		}
	}
}

func TestEncodeResult(t *testing.T) {
	var out, errBuf bytes.Buffer
	enc := json.NewEncoder(&out)
	for _, res := range sampleResults() {
		EncodeResult(enc, &errBuf, res)
	}
	if errBuf.Len() != 0 {
		t.Fatalf("unexpected stderr output: %s", errBuf.String())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 records, got %d", len(lines))
	}
	var record ResultRecord
	if err := json.Unmarshal([]byte(lines[2]), &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record.Status != "timed_out" || record.Signal != "terminated" || record.Error != "job timed out" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestNewResultRecordStringifiesUnencodableValues(t *testing.T) {
	record := NewResultRecord(engine.Result{Value: map[any]any{1: "x"}})
	if _, ok := record.Value.(string); !ok {
		t.Fatalf("expected string fallback, got %T", record.Value)
	}
}
