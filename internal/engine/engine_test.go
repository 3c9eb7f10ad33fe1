package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/copen/internal/process"
)

func TestMain(m *testing.M) {
	process.Init()
	os.Exit(m.Run())
}

func init() {
	process.Register("engine.test.seven", func(context.Context, []any, map[string]any) (any, error) {
		return 7, nil
	})
	process.Register("engine.test.fail", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("no luck")
	})
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	spawner := process.NewSpawner(process.WithRegistry(process.NewRegistry(process.WithHookSignals())))
	base := []Option{
		WithPollInterval(20 * time.Millisecond),
		WithJitter(func(d time.Duration) time.Duration { return d }),
	}
	return New(spawner, append(base, opts...)...)
}

func runCollecting(t *testing.T, ctx context.Context, e *Engine, jobs []Job) ([]Result, []Event) {
	t.Helper()
	events := make(chan Event, 16)
	var got []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			got = append(got, evt)
		}
	}()
	results, err := e.Run(ctx, jobs, events)
	close(events)
	<-done
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return results, got
}

func TestRunCollectsResultsInJobOrder(t *testing.T) {
	e := newTestEngine(t)
	jobs := []Job{
		{Name: "hello", Command: []string{"sh", "-c", "echo hello"}},
		{Name: "seven", Func: "engine.test.seven"},
		{Name: "exit4", Command: []string{"sh", "-c", "echo bad >&2; exit 4"}},
		{Name: "fail", Func: "engine.test.fail"},
	}

	results, events := runCollecting(t, context.Background(), e, jobs)
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}

	runID := results[0].RunID
	if runID == "" {
		t.Fatalf("expected run id to be set")
	}
	for i, res := range results {
		if res.Job != jobs[i].Name {
			t.Fatalf("result %d is for %q, want %q", i, res.Job, jobs[i].Name)
		}
		if res.RunID != runID {
			t.Fatalf("result %d has run id %q, want %q", i, res.RunID, runID)
		}
		if res.Attempts != 1 {
			t.Fatalf("result %d attempts = %d, want 1", i, res.Attempts)
		}
	}

	if res := results[0]; !res.Succeeded() || string(res.Output) != "hello\n" || res.Kind != process.KindCommand {
		t.Fatalf("unexpected hello result: %+v", res)
	}
	if res := results[1]; !res.Succeeded() || res.Value != 7 || res.Kind != process.KindCallable {
		t.Fatalf("unexpected seven result: %+v", res)
	}

	exit4 := results[2]
	var exitErr *ExitError
	if exit4.Status != StatusFailed || !errors.As(exit4.Err, &exitErr) || exitErr.Code != 4 {
		t.Fatalf("unexpected exit4 result: %+v", exit4)
	}
	if string(exit4.Stderr) != "bad\n" {
		t.Fatalf("expected stderr to be captured, got %q", exit4.Stderr)
	}

	fail := results[3]
	var callErr *process.CallError
	if fail.Status != StatusFailed || !errors.As(fail.Err, &callErr) || callErr.Message != "no luck" {
		t.Fatalf("unexpected fail result: %+v", fail)
	}

	counts := make(map[EventType]int)
	for _, evt := range events {
		counts[evt.Type]++
		if evt.RunID != runID {
			t.Fatalf("event %+v has unexpected run id", evt)
		}
	}
	if counts[EventTypeStarted] != 4 || counts[EventTypeCompleted] != 2 || counts[EventTypeFailed] != 2 {
		t.Fatalf("unexpected event counts: %v", counts)
	}
}

func TestRunClosesJobAtDeadline(t *testing.T) {
	e := newTestEngine(t)
	start := time.Now()
	results, events := runCollecting(t, context.Background(), e, []Job{
		{Name: "slow", Command: []string{"sleep", "30"}, Timeout: 100 * time.Millisecond},
	})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s despite timeout", elapsed)
	}

	res := results[0]
	if res.Status != StatusTimedOut || !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Signal != syscall.SIGTERM {
		t.Fatalf("expected SIGTERM, got %v", res.Signal)
	}
	last := events[len(events)-1]
	if last.Type != EventTypeKilled || last.Reason != ReasonTimeout {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunDefaultTimeoutApplies(t *testing.T) {
	e := newTestEngine(t, WithDefaultTimeout(50*time.Millisecond))
	results, _ := runCollecting(t, context.Background(), e, []Job{
		{Name: "slow", Command: []string{"sleep", "30"}},
	})
	if results[0].Status != StatusTimedOut {
		t.Fatalf("expected default timeout to apply, got %+v", results[0])
	}
}

func TestRunCancellationClosesChildren(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	results, _ := runCollecting(t, ctx, e, []Job{
		{Name: "a", Command: []string{"sleep", "30"}},
		{Name: "b", Command: []string{"sleep", "30"}},
	})
	for _, res := range results {
		if res.Status != StatusCancelled || !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("unexpected result: %+v", res)
		}
		if err := syscall.Kill(res.Pid, 0); !errors.Is(err, syscall.ESRCH) {
			t.Fatalf("child %d still exists: %v", res.Pid, err)
		}
	}
}

func TestRunRetriesFailedJob(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	script := "if [ -f " + marker + " ]; then echo ok; else touch " + marker + "; exit 1; fi"

	e := newTestEngine(t)
	results, events := runCollecting(t, context.Background(), e, []Job{{
		Name:    "flaky",
		Command: []string{"sh", "-c", script},
		Retry:   &RetryPolicy{MaxRetries: 2, Min: 10 * time.Millisecond},
	}})

	res := results[0]
	if !res.Succeeded() || res.Attempts != 2 || strings.TrimSpace(string(res.Output)) != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	var retried bool
	for _, evt := range events {
		if evt.Type == EventTypeRetrying {
			retried = true
		}
	}
	if !retried {
		t.Fatalf("expected a retrying event, got %+v", events)
	}
}

func TestRunStopsRetryingAfterLimit(t *testing.T) {
	e := newTestEngine(t)
	results, _ := runCollecting(t, context.Background(), e, []Job{{
		Name:    "broken",
		Command: []string{"false"},
		Retry:   &RetryPolicy{MaxRetries: 2, Min: time.Millisecond},
	}})
	if res := results[0]; res.Status != StatusFailed || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunReportsSpawnFailure(t *testing.T) {
	e := newTestEngine(t)
	results, events := runCollecting(t, context.Background(), e, []Job{
		{Name: "missing", Command: []string{filepath.Join(t.TempDir(), "nope")}},
		{Name: "unknown", Func: "engine.test.unregistered"},
	})
	for _, res := range results {
		if res.Status != StatusSpawnFailed || !errors.Is(res.Err, process.ErrSpawnFailed) {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if len(events) != 2 || events[0].Type != EventTypeSpawnFailed {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRunRejectsInvalidJobs(t *testing.T) {
	e := newTestEngine(t)
	tests := map[string][]Job{
		"duplicate": {
			{Name: "a", Command: []string{"true"}},
			{Name: "a", Command: []string{"true"}},
		},
		"both":    {{Name: "a", Command: []string{"true"}, Func: "x"}},
		"neither": {{Name: "a"}},
		"unnamed": {{Command: []string{"true"}}},
	}
	for name, jobs := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := e.Run(context.Background(), jobs, nil); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
