package talkwire

import (
	"encoding/json"
	"fmt"
)

// Frame is one discrete unit exchanged over the persistent connection: an
// event tag, an opaque structured payload and an optional correlation id.
// A frame is immutable once built.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// DecodeError reports a malformed frame or payload. Callers treat it as
// drop-and-log; it is never connection-fatal.
type DecodeError struct {
	Event string // event tag, when known
	Field string // missing required field, when that is the failure
	Cause error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %q: missing field %q", e.Event, e.Field)
	}
	if e.Event != "" {
		return fmt.Sprintf("decode %q: %v", e.Event, e.Cause)
	}
	return fmt.Sprintf("decode frame: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Cause }

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, &DecodeError{Event: f.Event, Cause: err}
	}
	return data, nil
}

// DecodeFrame parses a wire payload into a frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Cause: err}
	}
	if f.Event == "" {
		return Frame{}, &DecodeError{Event: "frame", Field: "event"}
	}
	return f, nil
}
