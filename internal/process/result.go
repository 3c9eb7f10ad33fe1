//go:build unix

package process

import (
	"context"
	"runtime"
	"syscall"
	"time"
)

// ResultHandle is the handle of a child started by SpawnFunc. Its output is
// the encoded return value of the callable, so Read decodes it and the line
// reads are unsupported.
type ResultHandle struct {
	h *Handle
}

// Handle returns the underlying process handle.
func (r *ResultHandle) Handle() *Handle { return r.h }

// Read waits for the callable to finish and returns its decoded result. A
// callable that returned an error or panicked yields a *CallError. The result
// is consumed: a second Read returns nil.
func (r *ResultHandle) Read() (any, error) {
	defer runtime.KeepAlive(r)
	data, err := r.h.Read()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return decodeValue(data)
}

// ReadLine always fails with ErrLineReadUnsupported.
func (r *ResultHandle) ReadLine() (string, error) {
	return "", ErrLineReadUnsupported
}

// ReadLines always fails with ErrLineReadUnsupported.
func (r *ResultHandle) ReadLines() ([]string, error) {
	return nil, ErrLineReadUnsupported
}

func (r *ResultHandle) ID() uint64 { return r.h.ID() }
func (r *ResultHandle) Pid() int { return r.h.Pid() }
func (r *ResultHandle) Name() string { return r.h.Name() }
func (r *ResultHandle) State() State { return r.h.State() }
func (r *ResultHandle) Fileno() uintptr { return r.h.Fileno() }
func (r *ResultHandle) ExitCode() int { return r.h.ExitCode() }
func (r *ResultHandle) KillSignal() syscall.Signal { return r.h.KillSignal() }
func (r *ResultHandle) Elapsed() time.Duration { return r.h.Elapsed() }
func (r *ResultHandle) Poll() (bool, error) { return r.h.Poll() }
func (r *ResultHandle) Wait() error { return r.h.Wait() }
func (r *ResultHandle) WaitContext(ctx context.Context) error { return r.h.WaitContext(ctx) }
func (r *ResultHandle) Close() error { return r.h.Close() }

// ReadAs reads the result and asserts it to T. The boolean is false when the
// callable returned nil or a value of another type.
func ReadAs[T any](r *ResultHandle) (T, bool, error) {
	var zero T
	v, err := r.Read()
	if err != nil {
		return zero, false, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, false, nil
	}
	return t, true, nil
}
