package process

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
)

func init() {
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// RegisterType records the concrete type of v so that values of that type can
// be passed to, or returned from, a callable inside an interface value.
// Builtin scalars and their slices are registered already.
func RegisterType(v any) {
	gob.Register(v)
}

// Call is the payload delivered to a child started by SpawnFunc.
type Call struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

type valueEnvelope struct {
	Value any
}

const (
	failureCallable uint8 = iota + 1
	failureSpawn
	failureSerialization
)

// wireError is the error triple written by a failing child, tagged with the
// class of failure so that the parent can rebuild the matching error type.
type wireError struct {
	Class   uint8
	Kind    string
	Message string
	Trace   []string
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCall(call Call) ([]byte, error) {
	data, err := encodeGob(&call)
	if err != nil {
		return nil, &SerializationError{Op: fmt.Sprintf("encode arguments for %s", call.Name), Err: err}
	}
	return data, nil
}

func decodeCall(data []byte) (Call, error) {
	var call Call
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&call); err != nil {
		return Call{}, &SerializationError{Op: "decode call", Err: err}
	}
	return call, nil
}

func encodeValue(v any) ([]byte, error) {
	data, err := encodeGob(&valueEnvelope{Value: v})
	if err != nil {
		return nil, &SerializationError{Op: "encode result", Err: err}
	}
	return data, nil
}

func decodeValue(data []byte) (any, error) {
	var env valueEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, &SerializationError{Op: "decode result", Err: err}
	}
	return env.Value, nil
}

func encodeFailure(w wireError) []byte {
	data, err := encodeGob(&w)
	if err != nil {
		// Strings only; this cannot fail short of memory exhaustion.
		return []byte(w.Kind + ": " + w.Message)
	}
	return data
}

// decodeFailure rebuilds the error described by a child's error stream. A
// stream that is not an encoded triple, for example a Go runtime crash report,
// is returned as a SerializationError carrying the raw text.
func decodeFailure(data []byte) error {
	var w wireError
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return &SerializationError{
			Op:  "decode child error",
			Err: fmt.Errorf("%w: %s", err, snippet(data)),
		}
	}
	switch w.Class {
	case failureSpawn:
		cause := errors.New(w.Message)
		if w.Message == ErrUnknownFunc.Error() {
			cause = ErrUnknownFunc
		}
		return &SpawnError{Path: w.Kind, Err: cause}
	case failureSerialization:
		return &SerializationError{Op: w.Kind, Err: errors.New(w.Message)}
	default:
		return &CallError{Kind: w.Kind, Message: w.Message, Trace: w.Trace}
	}
}

func snippet(data []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
