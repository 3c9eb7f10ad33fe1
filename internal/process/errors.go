package process

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes used by children to report failures that happen before or after
// the workload itself runs.
const (
	ExitSpawnFailed         = 127
	ExitSerializationFailed = 254
	ExitCallableFailed      = 255
)

var (
	// ErrSpawnFailed matches every *SpawnError.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrCallableFailed matches every *CallError.
	ErrCallableFailed = errors.New("callable failed")
	// ErrSerialization matches every *SerializationError.
	ErrSerialization = errors.New("payload serialization failed")
	// ErrUnknownFunc reports a callable name that was never registered.
	ErrUnknownFunc = errors.New("unknown callable")
	// ErrClosed is returned by operations on a handle that was closed before
	// its child completed.
	ErrClosed = errors.New("handle closed")
	// ErrLineReadUnsupported is returned by the line-oriented reads of a
	// ResultHandle, whose payload is not text.
	ErrLineReadUnsupported = fmt.Errorf("line reads on a result handle: %w", errors.ErrUnsupported)
)

// SpawnError reports that a child program could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// CallError is the parent-side form of an error returned, or a panic raised, by
// a callable running in a child process. Kind is the dynamic Go type of the
// original value and Trace is the child's stack at the point of failure when
// one was available.
type CallError struct {
	Kind    string
	Message string
	Trace   []string
}

func (e *CallError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func (e *CallError) Is(target error) bool { return target == ErrCallableFailed }

// TraceString joins the remote trace into a single printable block.
func (e *CallError) TraceString() string {
	return strings.Join(e.Trace, "\n")
}

// SerializationError reports a payload that could not be encoded or decoded,
// on either side of the process boundary.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// KindOf names the dynamic type of a failure value the way CallError.Kind
// does.
func KindOf(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}
