// Package builtins registers the callables shipped with copen. Importing it
// for side effects makes them available to SpawnFunc, the call command and
// batch manifests.
package builtins

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/Paintersrp/copen/internal/process"
)

// ErrArgument reports a callable argument of the wrong type or count.
var ErrArgument = errors.New("invalid argument")

func init() {
	process.Register("sum", Sum)
	process.Register("divide", Divide)
	process.Register("echo", Echo)
	process.Register("sleep", Sleep)
	process.Register("hostname", Hostname)
	process.Register("hostinfo", HostInfoOf)
	process.RegisterType(HostInfo{})
}

// HostInfo describes the environment a child ran in.
type HostInfo struct {
	Hostname string `json:"hostname"`
	Pid      int    `json:"pid"`
	NumCPU   int    `json:"num_cpu"`
	GOOS     string `json:"goos"`
	GOARCH   string `json:"goarch"`
}

// Sum adds its integer arguments to the optional start keyword.
func Sum(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	total := 0
	if start, ok := kwargs["start"]; ok {
		n, err := toInt(start)
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		total = n
	}
	for i, arg := range args {
		n, err := toInt(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// Divide performs integer division of its two arguments. A zero divisor
// panics like any Go integer division.
func Divide(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: divide takes 2 arguments, got %d", ErrArgument, len(args))
	}
	a, err := toInt(args[0])
	if err != nil {
		return nil, fmt.Errorf("dividend: %w", err)
	}
	b, err := toInt(args[1])
	if err != nil {
		return nil, fmt.Errorf("divisor: %w", err)
	}
	return a / b, nil
}

// Echo returns its arguments unchanged.
func Echo(_ context.Context, args []any, _ map[string]any) (any, error) {
	if args == nil {
		return []any{}, nil
	}
	return args, nil
}

// Sleep sleeps for the given number of milliseconds and returns it. It
// returns early with the context error when the child is asked to stop.
func Sleep(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: sleep takes 1 argument, got %d", ErrArgument, len(args))
	}
	ms, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("%w: negative duration %d", ErrArgument, ms)
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return ms, nil
	}
}

// Hostname returns the name of the host the child runs on.
func Hostname(context.Context, []any, map[string]any) (any, error) {
	return os.Hostname()
}

// HostInfoOf reports the child's host, pid and platform.
func HostInfoOf(context.Context, []any, map[string]any) (any, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return HostInfo{
		Hostname: name,
		Pid:      os.Getpid(),
		NumCPU:   runtime.NumCPU(),
		GOOS:     runtime.GOOS,
		GOARCH:   runtime.GOARCH,
	}, nil
}

// toInt accepts the integer forms produced by YAML, JSON and the command
// line.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%w: %d overflows int", ErrArgument, n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrArgument, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrArgument, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s is not an integer", ErrArgument, process.KindOf(v))
	}
}
