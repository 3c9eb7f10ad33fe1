package engine

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/Paintersrp/copen/internal/process"
)

// Job describes one unit of work in a batch: either an external command or a
// registered callable.
type Job struct {
	Name    string
	Command []string
	Func    string
	Args    []any
	Kwargs  map[string]any
	Timeout time.Duration
	Dir     string
	Env     map[string]string
	Retry   *RetryPolicy
}

// RetryPolicy controls how often and how quickly a failed job is attempted
// again. A negative MaxRetries retries until the run is cancelled.
type RetryPolicy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	Factor     float64
}

// Kind reports whether the job runs a command or a callable.
func (j Job) Kind() string {
	if j.Func != "" {
		return process.KindCallable
	}
	return process.KindCommand
}

// Validate checks that the job names exactly one workload.
func (j Job) Validate() error {
	if j.Name == "" {
		return errors.New("job name is required")
	}
	switch {
	case len(j.Command) > 0 && j.Func != "":
		return fmt.Errorf("job %s: command and func are mutually exclusive", j.Name)
	case len(j.Command) == 0 && j.Func == "":
		return fmt.Errorf("job %s: one of command or func is required", j.Name)
	case len(j.Command) > 0 && j.Command[0] == "":
		return fmt.Errorf("job %s: command must name a program", j.Name)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("job %s: timeout must not be negative", j.Name)
	}
	return nil
}

// Status summarises how a job ended.
type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusTimedOut    Status = "timed_out"
	StatusCancelled   Status = "cancelled"
	StatusSpawnFailed Status = "spawn_failed"
)

// Result is the outcome of the last attempt of a job.
type Result struct {
	RunID    string
	Job      string
	Kind     string
	Status   Status
	Attempts int
	Pid      int
	ExitCode int
	Signal   syscall.Signal
	Output   []byte
	Value    any
	Stderr   []byte
	Err      error
	Elapsed  time.Duration
}

// Succeeded reports whether the job completed without error.
func (r Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// ErrTimeout is the error recorded for a job closed at its deadline.
var ErrTimeout = errors.New("job timed out")

// ExitError reports a command that exited unsuccessfully.
type ExitError struct {
	Code   int
	Signal syscall.Signal
}

func (e *ExitError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("terminated by %s", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}
