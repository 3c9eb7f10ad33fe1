//go:build unix

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// State is the lifecycle position of a Handle.
type State int32

const (
	// StateRunning is the initial state: the child may still be producing
	// output.
	StateRunning State = iota
	// StateDone means the output was collected and the exit status reaped.
	StateDone
	// StateClosed is terminal; all resources were released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// waitSlice bounds each blocking readiness check while a context-aware wait is
// in progress.
const waitSlice = 50 * time.Millisecond

const readChunk = 32 << 10

// exitCheckInterval is how often a child whose output has ended is checked
// for exit.
const exitCheckInterval = 10 * time.Millisecond

// stream is the parent's read side of one child output pipe.
type stream struct {
	fd  int
	buf bytes.Buffer
	eof bool
}

func newStream(fd int) stream {
	return stream{fd: fd, eof: fd < 0}
}

func (s *stream) pollFd() int {
	if s.eof {
		return -1
	}
	return s.fd
}

// readOnce performs a single read. It must only be called after readiness was
// reported, so that it never blocks.
func (s *stream) readOnce() error {
	if s.eof {
		return nil
	}
	s.buf.Grow(readChunk)
	b := s.buf.AvailableBuffer()
	b = b[:cap(b)]
	for {
		n, err := unix.Read(s.fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read child output: %w", err)
		}
		if n == 0 {
			s.eof = true
			return nil
		}
		s.buf.Write(b[:n])
		return nil
	}
}

// child holds the state of one spawned process. It is tracked by the registry
// and owned by exactly one Handle.
type child struct {
	id       uint64
	pid      int
	name     string
	kind     string
	stdoutFd int
	proc     *os.Process

	cfg      Config
	registry *Registry
	observer Observer
	logger   *zap.Logger

	// ioMu serialises draining, cleanup and termination.
	ioMu    sync.Mutex
	stdout  stream
	stderr  stream
	closing atomic.Bool

	// mu guards the fields below.
	mu          sync.Mutex
	state       State
	start       time.Time
	end         time.Time
	reaped      bool
	exitCode    int
	signal      syscall.Signal
	output      []byte
	diagnostics []byte
	err         error
	closedEarly bool
	watch       [2]int
	wakeR       int
	wakeW       int
}

func (c *child) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// finished reports whether the child no longer needs draining, along with the
// error that later waits and reads must report.
func (c *child) finished() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDone:
		return true, c.err
	case StateClosed:
		if c.closedEarly {
			return true, ErrClosed
		}
		return true, c.err
	default:
		return false, nil
	}
}

func (c *child) poll() (bool, error) {
	if done, err := c.finished(); done {
		if errors.Is(err, ErrClosed) {
			err = nil
		}
		return true, err
	}
	if !c.ioMu.TryLock() {
		return false, nil
	}
	defer c.ioMu.Unlock()

	if done, err := c.finished(); done {
		if errors.Is(err, ErrClosed) {
			err = nil
		}
		return true, err
	}
	for {
		complete, progressed, err := c.pump(0)
		if err != nil {
			return false, err
		}
		if complete {
			// Output is finished but the child may still be running.
			if !c.reap(unix.WNOHANG) {
				return false, nil
			}
			return true, c.complete()
		}
		if !progressed {
			return false, nil
		}
	}
}

func (c *child) wait(ctx context.Context) error {
	if done, err := c.finished(); done {
		return err
	}
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	timeout := time.Duration(-1)
	if ctx.Done() != nil {
		timeout = waitSlice
	}
	for {
		if done, err := c.finished(); done {
			return err
		}
		if c.closing.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		complete, _, err := c.pump(timeout)
		if err != nil {
			return err
		}
		if complete {
			if err := c.awaitExit(ctx); err != nil {
				return err
			}
			return c.complete()
		}
	}
}

// awaitExit polls for the exit of a child whose output is finished, so that a
// child that closed its pipes early can still be interrupted by Close or ctx.
// Callers must hold ioMu.
func (c *child) awaitExit(ctx context.Context) error {
	for !c.reap(unix.WNOHANG) {
		if c.closing.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(exitCheckInterval)
	}
	return nil
}

// pump waits up to timeout for either output stream to become readable and
// reads once from each ready stream. It reports whether both streams reached
// end-of-file. Callers must hold ioMu.
func (c *child) pump(timeout time.Duration) (complete, progressed bool, err error) {
	if c.stdout.eof && c.stderr.eof {
		return true, false, nil
	}
	streams := [2]*stream{&c.stdout, &c.stderr}
	ready, err := waitReadable([]int{c.stdout.pollFd(), c.stderr.pollFd(), c.wakeR}, timeout)
	if err != nil {
		return false, false, err
	}
	for i, s := range streams {
		if !ready[i] {
			continue
		}
		if err := s.readOnce(); err != nil {
			return false, progressed, err
		}
		progressed = true
		if s.eof {
			c.mu.Lock()
			c.watch[i] = -1
			c.mu.Unlock()
		}
	}
	return c.stdout.eof && c.stderr.eof, progressed, nil
}

// complete runs once, on the first observation of end-of-output: it releases
// the pipes, decodes any child-side failure, unregisters the handle and reaps
// the exit status. Callers must hold ioMu.
func (c *child) complete() error {
	closeFd(&c.stdout.fd)
	closeFd(&c.stderr.fd)

	output := c.stdout.buf.Bytes()
	diagnostics := c.stderr.buf.Bytes()
	var failure error
	if c.kind == KindCallable {
		if len(diagnostics) > 0 {
			failure = decodeFailure(diagnostics)
		}
		diagnostics = nil
	}

	c.registry.remove(c)
	c.reap(0)

	now := time.Now()
	c.mu.Lock()
	c.closeWakeLocked()
	c.output = output
	c.diagnostics = diagnostics
	c.err = failure
	c.end = now
	c.state = StateDone
	code, sig := c.exitCode, c.signal
	c.mu.Unlock()

	elapsed := now.Sub(c.start)
	c.observer.HandleFinished(c.kind, outcomeOf(code, sig, failure), elapsed)
	c.logger.Debug("child completed",
		zap.Int("exit_code", code),
		zap.Stringer("signal", sig),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_bytes", len(output)),
		zap.Error(failure),
	)
	return failure
}

// reap collects the exit status. With unix.WNOHANG it returns false while the
// child is still running. A child that can no longer be waited for is recorded
// with an unknown status.
func (c *child) reap(options int) bool {
	c.mu.Lock()
	reaped := c.reaped
	c.mu.Unlock()
	if reaped {
		return true
	}

	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(c.pid, &ws, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			c.logger.Warn("wait for child", zap.Error(err))
			c.recordExit(-1, 0)
			return true
		}
		if pid == 0 {
			return false
		}
		code, sig := -1, syscall.Signal(0)
		if ws.Exited() {
			code = ws.ExitStatus()
		}
		if ws.Signaled() {
			sig = ws.Signal()
		}
		c.recordExit(code, sig)
		return true
	}
}

func (c *child) recordExit(code int, sig syscall.Signal) {
	c.mu.Lock()
	c.reaped = true
	c.exitCode = code
	c.signal = sig
	c.mu.Unlock()
	if c.proc != nil {
		_ = c.proc.Release()
	}
}

func (c *child) close() {
	if c.currentState() == StateClosed {
		return
	}
	if c.closing.CompareAndSwap(false, true) {
		c.wake()
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	state := c.currentState()
	if state == StateClosed {
		return
	}
	c.registry.remove(c)

	early := state == StateRunning
	if early {
		c.terminate()
		closeFd(&c.stdout.fd)
		closeFd(&c.stderr.fd)
		c.stdout.buf.Reset()
		c.stderr.buf.Reset()
	}

	now := time.Now()
	c.mu.Lock()
	c.closeWakeLocked()
	c.watch = [2]int{-1, -1}
	c.output = nil
	c.state = StateClosed
	c.closedEarly = early
	if early {
		c.end = now
	}
	elapsed := c.end.Sub(c.start)
	sig := c.signal
	c.mu.Unlock()

	if early {
		c.observer.HandleFinished(c.kind, OutcomeClosed, elapsed)
	}
	c.logger.Debug("handle closed",
		zap.Bool("before_completion", early),
		zap.Stringer("signal", sig),
	)
}

// wake interrupts a Wait blocked on this child's descriptors.
func (c *child) wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wakeW >= 0 {
		_, _ = unix.Write(c.wakeW, []byte{1})
	}
}

func (c *child) closeWakeLocked() {
	closeFd(&c.wakeR)
	closeFd(&c.wakeW)
}

// abandon is the last-resort cleanup for a Handle that became unreachable
// without being closed.
func (c *child) abandon() {
	if c.currentState() == StateRunning {
		c.logger.Warn("handle released without Close; terminating child")
	}
	go c.close()
}

func (c *child) read() ([]byte, error) {
	if err := c.wait(context.Background()); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.output
	c.output = nil
	return out, nil
}

func (c *child) readLine() (string, error) {
	if err := c.wait(context.Background()); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.output) == 0 {
		return "", nil
	}
	line := c.output
	if idx := bytes.IndexByte(c.output, '\n'); idx >= 0 {
		line = c.output[:idx+1]
	}
	c.output = c.output[len(line):]
	return string(line), nil
}

func (c *child) readLines() ([]string, error) {
	if err := c.wait(context.Background()); err != nil {
		return nil, err
	}
	c.mu.Lock()
	out := c.output
	c.output = nil
	c.mu.Unlock()

	var lines []string
	for len(out) > 0 {
		n := len(out)
		if idx := bytes.IndexByte(out, '\n'); idx >= 0 {
			n = idx + 1
		}
		lines = append(lines, string(out[:n]))
		out = out[n:]
	}
	return lines, nil
}

func outcomeOf(code int, sig syscall.Signal, failure error) string {
	switch {
	case failure != nil:
		return OutcomeError
	case sig != 0:
		return OutcomeSignaled
	case code != 0:
		return OutcomeExitCode
	default:
		return OutcomeSuccess
	}
}

// Handle is the caller's view of a spawned child. Callers must Close every
// handle, typically with defer; Close on a completed handle only releases
// resources.
//
// Handle methods are safe for concurrent use. At most one goroutine drains a
// handle at a time: a Poll that races with a blocked Wait reports false.
type Handle struct {
	c *child
}

func newHandle(c *child) *Handle {
	h := &Handle{c: c}
	runtime.AddCleanup(h, (*child).abandon, c)
	return h
}

// ID returns the process-unique identifier of the handle.
func (h *Handle) ID() uint64 { return h.c.id }

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.c.pid }

// Name returns the program path or callable name the child was spawned with.
func (h *Handle) Name() string { return h.c.name }

// Kind returns KindCommand or KindCallable.
func (h *Handle) Kind() string { return h.c.kind }

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.c.currentState() }

// Fileno returns the descriptor of the child's standard output pipe for use
// with external readiness multiplexing. It is only meaningful while the handle
// is running.
func (h *Handle) Fileno() uintptr { return uintptr(h.c.stdoutFd) }

// ExitCode returns the child's exit code, or -1 if it has not been reaped or
// was terminated by a signal.
func (h *Handle) ExitCode() int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if !h.c.reaped {
		return -1
	}
	return h.c.exitCode
}

// KillSignal returns the signal that terminated the child, or 0 if it exited
// on its own or has not been reaped.
func (h *Handle) KillSignal() syscall.Signal {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.signal
}

// Elapsed returns the child's wall-clock run time: up to completion or close
// when finished, up to now otherwise.
func (h *Handle) Elapsed() time.Duration {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if !h.c.end.IsZero() {
		return h.c.end.Sub(h.c.start)
	}
	return time.Since(h.c.start)
}

// StartTime returns when the child was spawned.
func (h *Handle) StartTime() time.Time { return h.c.start }

// Stderr returns what a command wrote to its standard error. It is empty until
// the handle is done, and always empty for callables, whose error stream is
// decoded instead.
func (h *Handle) Stderr() []byte {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return bytes.Clone(h.c.diagnostics)
}

// Poll reports whether the child has finished without blocking. Output that is
// already available is drained so that a chatty child cannot stall on a full
// pipe. A child has finished once its output has ended and it has exited; one
// that closes its output and keeps running is still reported as running. The
// call that first observes completion returns any child-side failure.
func (h *Handle) Poll() (bool, error) {
	defer runtime.KeepAlive(h)
	return h.c.poll()
}

// Wait blocks until the child finishes producing output, then collects its
// exit status. It returns ErrClosed if the handle is closed first.
func (h *Handle) Wait() error {
	defer runtime.KeepAlive(h)
	return h.c.wait(context.Background())
}

// WaitContext is Wait bounded by ctx. Cancellation leaves the child running;
// use Close to terminate it.
func (h *Handle) WaitContext(ctx context.Context) error {
	defer runtime.KeepAlive(h)
	return h.c.wait(ctx)
}

// Read waits for completion and returns all buffered output. The buffer is
// consumed: a second Read returns no data.
func (h *Handle) Read() ([]byte, error) {
	defer runtime.KeepAlive(h)
	return h.c.read()
}

// ReadLine waits for completion and returns the next buffered line including
// its newline, or "" once the output is exhausted.
func (h *Handle) ReadLine() (string, error) {
	defer runtime.KeepAlive(h)
	return h.c.readLine()
}

// ReadLines waits for completion and returns the remaining buffered output
// split after each newline.
func (h *Handle) ReadLines() ([]string, error) {
	defer runtime.KeepAlive(h)
	return h.c.readLines()
}

// Close releases the handle, terminating the child if it is still running.
// Close is idempotent and never fails; the error result exists to satisfy
// io.Closer.
func (h *Handle) Close() error {
	defer runtime.KeepAlive(h)
	h.c.close()
	return nil
}
