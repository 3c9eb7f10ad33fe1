//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
)

// Init must be called at the very start of main in any binary that uses
// SpawnFunc. In a child started by SpawnFunc it runs the requested callable and
// exits; otherwise it returns immediately.
func Init() {
	name, ok := os.LookupEnv(childFuncEnv)
	if !ok {
		return
	}
	_ = os.Unsetenv(childFuncEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		// A second termination signal takes the default action.
		stop()
	}()
	code := runChild(ctx, name, os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runChild decodes the call from in, runs the callable and writes either the
// encoded result to out or an encoded failure to errOut. It returns the exit
// code for the child.
func runChild(ctx context.Context, name string, in io.Reader, out, errOut io.Writer) int {
	payload, err := io.ReadAll(in)
	if err != nil {
		return writeFailure(errOut, ExitSerializationFailed, wireError{
			Class:   failureSerialization,
			Kind:    "read call",
			Message: err.Error(),
		})
	}
	call, err := decodeCall(payload)
	if err != nil {
		return writeFailure(errOut, ExitSerializationFailed, wireError{
			Class:   failureSerialization,
			Kind:    "decode call",
			Message: causeMessage(err),
		})
	}
	if call.Name != "" && call.Name != name {
		return writeFailure(errOut, ExitSpawnFailed, wireError{
			Class:   failureSpawn,
			Kind:    name,
			Message: fmt.Sprintf("call payload names %q", call.Name),
		})
	}

	fn, ok := Lookup(name)
	if !ok {
		return writeFailure(errOut, ExitSpawnFailed, wireError{
			Class:   failureSpawn,
			Kind:    name,
			Message: ErrUnknownFunc.Error(),
		})
	}

	value, failure := invoke(ctx, fn, call)
	if failure != nil {
		return writeFailure(errOut, ExitCallableFailed, *failure)
	}

	data, err := encodeValue(value)
	if err != nil {
		return writeFailure(errOut, ExitSerializationFailed, wireError{
			Class:   failureSerialization,
			Kind:    "encode result",
			Message: causeMessage(err),
		})
	}
	if _, err := out.Write(data); err != nil {
		return ExitSerializationFailed
	}
	return 0
}

// invoke runs fn and converts a returned error or a panic into a failure
// triple.
func invoke(ctx context.Context, fn Func, call Call) (value any, failure *wireError) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			failure = &wireError{
				Class:   failureCallable,
				Kind:    KindOf(r),
				Message: panicMessage(r),
				Trace:   stackLines(debug.Stack()),
			}
		}
	}()

	v, err := fn(ctx, call.Args, call.Kwargs)
	if err != nil {
		return nil, &wireError{
			Class:   failureCallable,
			Kind:    KindOf(err),
			Message: err.Error(),
		}
	}
	return v, nil
}

func writeFailure(w io.Writer, code int, f wireError) int {
	_, _ = w.Write(encodeFailure(f))
	return code
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}

func causeMessage(err error) string {
	if inner := errors.Unwrap(err); inner != nil {
		return inner.Error()
	}
	return err.Error()
}

func stackLines(stack []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(stack), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
