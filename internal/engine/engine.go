package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Paintersrp/copen/internal/process"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultSpawnLimit   = 8
)

// Engine runs batches of jobs as concurrent children and reports their
// outcomes.
type Engine struct {
	spawner        *process.Spawner
	logger         *zap.Logger
	pollInterval   time.Duration
	spawnLimit     int
	defaultTimeout time.Duration
	jitter         func(time.Duration) time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPollInterval bounds how long the engine waits for output before
// re-checking deadlines and cancellation.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithSpawnLimit caps how many children are started concurrently.
func WithSpawnLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.spawnLimit = n
		}
	}
}

// WithDefaultTimeout applies d to jobs that do not set their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithJitter replaces the function that randomises retry backoff.
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(e *Engine) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// New builds an engine that starts children with spawner.
func New(spawner *process.Spawner, opts ...Option) *Engine {
	if spawner == nil {
		spawner = process.Default()
	}
	e := &Engine{
		spawner:      spawner,
		logger:       zap.NewNop(),
		pollInterval: defaultPollInterval,
		spawnLimit:   defaultSpawnLimit,
		jitter:       defaultJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes jobs concurrently and blocks until each has succeeded, failed
// for the last time, timed out or been cancelled. Results are returned in job
// order. Lifecycle events are sent to events when it is non-nil; the caller
// must keep draining it until Run returns.
//
// Cancelling ctx closes every running child. The returned error is only
// non-nil for invalid jobs or a failure of the engine itself, never for jobs
// that failed.
func (e *Engine) Run(ctx context.Context, jobs []Job, events chan<- Event) ([]Result, error) {
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job name %s", job.Name)
		}
		seen[job.Name] = struct{}{}
	}

	s := &runState{
		engine:  e,
		ctx:     ctx,
		runID:   uuid.NewString(),
		events:  events,
		results: make([]Result, len(jobs)),
		active:  make(map[*process.Handle]*run, len(jobs)),
	}
	s.logger = e.logger.With(zap.String("run_id", s.runID))
	s.logger.Info("batch started", zap.Int("jobs", len(jobs)))

	runs := make([]*run, len(jobs))
	for i, job := range jobs {
		if job.Timeout == 0 {
			job.Timeout = e.defaultTimeout
		}
		runs[i] = &run{idx: i, job: job, policy: deriveRetryPolicy(job.Retry)}
	}

	var g errgroup.Group
	g.SetLimit(e.spawnLimit)
	for _, r := range runs {
		g.Go(func() error {
			r.pending, r.spawned = s.spawn(r)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range runs {
		if r.spawned {
			s.active[r.h] = r
		} else {
			s.settle(r, r.pending)
		}
	}

	err := s.loop()
	s.logger.Info("batch finished", zap.Int("jobs", len(jobs)), zap.Error(err))
	return s.results, err
}

type run struct {
	idx     int
	job     Job
	policy  retryPolicy
	attempt int

	h        *process.Handle
	res      *process.ResultHandle
	deadline time.Time

	retryAt time.Time
	last    Result

	spawned bool
	pending Result
}

type runState struct {
	engine *Engine
	ctx    context.Context
	runID  string
	events chan<- Event
	logger *zap.Logger

	results []Result
	active  map[*process.Handle]*run
	waiting []*run
}

func (s *runState) loop() error {
	for len(s.active) > 0 || len(s.waiting) > 0 {
		if s.ctx.Err() != nil {
			s.cancelAll()
			return nil
		}
		s.startDue()
		if len(s.active) == 0 {
			if len(s.waiting) > 0 {
				_ = sleepWithContext(s.ctx, time.Until(s.nextWake()))
			}
			continue
		}

		handles := make([]*process.Handle, 0, len(s.active))
		for h := range s.active {
			handles = append(handles, h)
		}
		ready, err := process.Select(handles, s.nextTimeout())
		if err != nil {
			s.cancelAll()
			return fmt.Errorf("wait for jobs: %w", err)
		}
		for _, h := range ready {
			r := s.active[h]
			done, err := h.Poll()
			if !done && err == nil {
				continue
			}
			delete(s.active, h)
			s.settle(r, s.collect(r, err))
		}
		s.expire()
	}
	return nil
}

// spawn starts the next attempt of r. On failure it returns the result to
// record and false.
func (s *runState) spawn(r *run) (Result, bool) {
	r.attempt++
	job := r.job
	base := s.base(r)
	if err := s.ctx.Err(); err != nil {
		base.Status = StatusCancelled
		base.Err = err
		return base, false
	}

	opts := []process.SpawnOption{process.WithDir(job.Dir), process.WithEnv(job.Env)}
	var (
		h   *process.Handle
		res *process.ResultHandle
		err error
	)
	if job.Func != "" {
		res, err = s.engine.spawner.SpawnFunc(job.Func, job.Args, job.Kwargs, opts...)
		if err == nil {
			h = res.Handle()
		}
	} else {
		h, err = s.engine.spawner.SpawnWith(job.Command[0], job.Command[1:], opts...)
	}
	if err != nil {
		s.logger.Warn("job failed to start", zap.String("job", job.Name), zap.Int("attempt", r.attempt), zap.Error(err))
		s.emit(r, EventTypeSpawnFailed, "error", err.Error(), ReasonSpawnError, err)
		base.Status = StatusSpawnFailed
		base.Err = err
		return base, false
	}

	r.h, r.res = h, res
	r.deadline = time.Time{}
	if job.Timeout > 0 {
		r.deadline = h.StartTime().Add(job.Timeout)
	}
	s.logger.Debug("job started", zap.String("job", job.Name), zap.Int("pid", h.Pid()), zap.Int("attempt", r.attempt))
	s.emit(r, EventTypeStarted, "", fmt.Sprintf("started pid %d", h.Pid()), "", nil)
	return Result{}, true
}

func (s *runState) base(r *run) Result {
	res := Result{
		RunID:    s.runID,
		Job:      r.job.Name,
		Kind:     r.job.Kind(),
		Attempts: r.attempt,
		ExitCode: -1,
	}
	if r.h != nil {
		res.Pid = r.h.Pid()
	}
	return res
}

// collect records the outcome of a finished child and releases its handle.
func (s *runState) collect(r *run, failure error) Result {
	h := r.h
	defer h.Close()

	res := s.base(r)
	if r.res != nil {
		v, err := r.res.Read()
		res.Value = v
		if failure == nil {
			failure = err
		}
	} else {
		out, err := h.Read()
		res.Output = out
		if failure == nil {
			failure = err
		}
	}
	res.ExitCode = h.ExitCode()
	res.Signal = h.KillSignal()
	res.Stderr = h.Stderr()
	res.Elapsed = h.Elapsed()

	switch {
	case failure != nil:
		res.Status = StatusFailed
		res.Err = failure
		s.emit(r, EventTypeFailed, "error", failure.Error(), ReasonCallableError, failure)
	case res.Signal != 0 || res.ExitCode != 0:
		res.Status = StatusFailed
		res.Err = &ExitError{Code: res.ExitCode, Signal: res.Signal}
		reason := ReasonExitCode
		if res.Signal != 0 {
			reason = ReasonSignal
		}
		s.emit(r, EventTypeFailed, "error", res.Err.Error(), reason, res.Err)
	default:
		res.Status = StatusSucceeded
		s.emit(r, EventTypeCompleted, "", fmt.Sprintf("completed in %s", res.Elapsed.Round(time.Millisecond)), "", nil)
	}
	s.logger.Debug("job finished",
		zap.String("job", r.job.Name),
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res
}

// kill closes a running child and records why.
func (s *runState) kill(r *run, status Status, reason string, cause error) Result {
	r.h.Close()
	res := s.base(r)
	res.Status = status
	res.Err = cause
	res.ExitCode = r.h.ExitCode()
	res.Signal = r.h.KillSignal()
	res.Elapsed = r.h.Elapsed()
	s.logger.Info("job killed", zap.String("job", r.job.Name), zap.String("reason", reason), zap.Stringer("signal", res.Signal))
	s.emit(r, EventTypeKilled, "warn", fmt.Sprintf("killed (%s)", reason), reason, cause)
	return res
}

// settle either records res as final or schedules another attempt.
func (s *runState) settle(r *run, res Result) {
	retryable := res.Status == StatusFailed || res.Status == StatusSpawnFailed || res.Status == StatusTimedOut
	if retryable && s.ctx.Err() == nil && r.policy.allowRetry(r.attempt) {
		delay := s.engine.jitter(r.policy.delay(r.attempt))
		r.last = res
		r.h, r.res = nil, nil
		r.retryAt = time.Now().Add(delay)
		s.waiting = append(s.waiting, r)
		s.emit(r, EventTypeRetrying, "warn", fmt.Sprintf("retrying in %s", delay.Round(time.Millisecond)), ReasonBackoff, res.Err)
		return
	}
	s.results[r.idx] = res
}

func (s *runState) startDue() {
	now := time.Now()
	due := s.waiting
	s.waiting = nil
	for _, r := range due {
		if r.retryAt.After(now) {
			s.waiting = append(s.waiting, r)
			continue
		}
		if res, ok := s.spawn(r); ok {
			s.active[r.h] = r
		} else {
			s.settle(r, res)
		}
	}
}

func (s *runState) expire() {
	now := time.Now()
	for h, r := range s.active {
		if r.deadline.IsZero() || now.Before(r.deadline) {
			continue
		}
		delete(s.active, h)
		s.settle(r, s.kill(r, StatusTimedOut, ReasonTimeout, ErrTimeout))
	}
}

// cancelAll closes every running child concurrently and finalises jobs that
// were waiting to retry.
func (s *runState) cancelAll() {
	cause := s.ctx.Err()
	if cause == nil {
		cause = errors.New("engine stopped")
	}
	runs := make([]*run, 0, len(s.active))
	for _, r := range s.active {
		runs = append(runs, r)
	}
	results := make([]Result, len(runs))

	var g errgroup.Group
	for i, r := range runs {
		g.Go(func() error {
			results[i] = s.kill(r, StatusCancelled, ReasonCancelled, cause)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range runs {
		s.results[r.idx] = results[i]
	}
	for _, r := range s.waiting {
		s.results[r.idx] = r.last
	}
	s.active = map[*process.Handle]*run{}
	s.waiting = nil
}

func (s *runState) nextWake() time.Time {
	var next time.Time
	for _, r := range s.waiting {
		if next.IsZero() || r.retryAt.Before(next) {
			next = r.retryAt
		}
	}
	return next
}

func (s *runState) nextTimeout() time.Duration {
	timeout := s.engine.pollInterval
	now := time.Now()
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if d := t.Sub(now); d < timeout {
			timeout = max(d, 0)
		}
	}
	for _, r := range s.active {
		consider(r.deadline)
	}
	consider(s.nextWake())
	return timeout
}

func (s *runState) emit(r *run, t EventType, level, message, reason string, err error) {
	evt := Event{
		RunID:   s.runID,
		Job:     r.job.Name,
		Type:    t,
		Message: message,
		Level:   level,
		Err:     err,
		Attempt: r.attempt,
		Reason:  reason,
	}
	if r.h != nil {
		evt.Pid = r.h.Pid()
	}
	sendEvent(s.events, evt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
