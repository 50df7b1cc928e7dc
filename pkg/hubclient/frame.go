package hubclient

import (
	"encoding/json"
	"fmt"
)

// FrameType is the kind of a wire frame.
type FrameType string

const (
	// FrameEvent is a server push: Target names the event.
	FrameEvent FrameType = "event"
	// FrameInvoke is a client command: Target names the method.
	FrameInvoke FrameType = "invoke"
	// FrameCompletion answers a FrameInvoke with the same InvocationID.
	FrameCompletion FrameType = "completion"
	// FramePing keeps the connection alive and is otherwise ignored.
	FramePing FrameType = "ping"
	// FrameClose is sent by the server before it closes the connection.
	// Error carries the reason.
	FrameClose FrameType = "close"
)

// Frame is the envelope shared by every transport.
type Frame struct {
	Type         FrameType         `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EventFrame builds an event frame, marshaling each argument.
func EventFrame(target string, args ...any) (Frame, error) {
	raw, err := marshalArguments(args)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Target: target, Arguments: raw}, nil
}

func marshalArguments(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// Arguments are the positional arguments of an event.
type Arguments []json.RawMessage

// Len returns the number of arguments.
func (a Arguments) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Arguments) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d missing (got %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("failed to decode argument %d: %w", i, err)
	}
	return nil
}

// Handler receives the arguments of an inbound event.
type Handler func(args Arguments)
