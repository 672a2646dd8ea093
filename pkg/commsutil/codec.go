package commsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/browser-relay/pkg/envelope"
)

const codecLogPrefix = "commsutil:codec"

// Frame types on the push channel.
const (
	FrameCommand   = "command"
	FrameResult    = "result"
	FrameHeartbeat = "heartbeat"
)

// ErrMalformedFrame marks inbound data that cannot be turned into a command.
// Such frames are dropped: there is no id to correlate a result with.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the JSON unit exchanged over push-mode connections.
type Frame struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Command json.RawMessage  `json:"command,omitempty"`
	Result  *envelope.Result `json:"result,omitempty"`
}

// PollResponse is the body returned by the controller's poll endpoint.
type PollResponse struct {
	ID      string          `json:"id,omitempty"`
	Command json.RawMessage `json:"command,omitempty"`
}

// ResultSubmission is the body sent to the controller's result endpoint.
type ResultSubmission struct {
	ID     string          `json:"id"`
	Result envelope.Result `json:"result"`
}

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// DecodeFrame parses a push-mode frame. Any parse failure wraps ErrMalformedFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s - %w: %v", codecLogPrefix, ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%s - %w: missing frame type", codecLogPrefix, ErrMalformedFrame)
	}
	return &f, nil
}

// CommandFromFrame extracts the command carried by a command frame. A frame
// with an id but no usable command yields a command with an empty type, which
// the dispatcher answers as unknown.
func CommandFromFrame(f *Frame) (envelope.Command, error) {
	if f.Type != FrameCommand {
		return envelope.Command{}, fmt.Errorf("%s - %w: frame type %q is not a command", codecLogPrefix, ErrMalformedFrame, f.Type)
	}
	if f.ID == "" {
		return envelope.Command{}, fmt.Errorf("%s - %w: command frame without id", codecLogPrefix, ErrMalformedFrame)
	}
	return decodeCorrelated(f.ID, f.Command), nil
}

func decodeCorrelated(id string, raw json.RawMessage) envelope.Command {
	cmd, err := DecodeCommand(id, raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - command %s has no usable type: %v", codecLogPrefix, id, err))
		return envelope.Command{ID: id}
	}
	return cmd
}

// DecodeCommand parses a flattened command object `{"type": ..., ...params}`.
func DecodeCommand(id string, raw json.RawMessage) (envelope.Command, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return envelope.Command{}, fmt.Errorf("%s - %w: empty command", codecLogPrefix, ErrMalformedFrame)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return envelope.Command{}, fmt.Errorf("%s - %w: %v", codecLogPrefix, ErrMalformedFrame, err)
	}
	if fields == nil {
		return envelope.Command{}, fmt.Errorf("%s - %w: null command", codecLogPrefix, ErrMalformedFrame)
	}
	typ, ok := fields["type"].(string)
	if !ok || typ == "" {
		return envelope.Command{}, fmt.Errorf("%s - %w: command without type", codecLogPrefix, ErrMalformedFrame)
	}
	delete(fields, "type")
	return envelope.Command{ID: id, Type: typ, Params: fields}, nil
}

// EncodeCommand flattens a command back into its wire object.
func EncodeCommand(cmd envelope.Command) (json.RawMessage, error) {
	fields := make(map[string]any, len(cmd.Params)+1)
	for k, v := range cmd.Params {
		fields[k] = v
	}
	fields["type"] = cmd.Type
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode command %s: %w", codecLogPrefix, cmd.ID, err)
	}
	return data, nil
}

// EncodeCommandFrame builds the push frame delivering cmd to an agent.
func EncodeCommandFrame(cmd envelope.Command) ([]byte, error) {
	raw, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameCommand, ID: cmd.ID, Command: raw})
}

// EncodeResultFrame builds the push frame returning res to the controller.
func EncodeResultFrame(res envelope.Result) ([]byte, error) {
	data, err := json.Marshal(Frame{Type: FrameResult, ID: res.ID, Result: &res})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode result %s: %w", codecLogPrefix, res.ID, err)
	}
	return data, nil
}

// EncodeHeartbeat returns the liveness frame.
func EncodeHeartbeat() []byte {
	return []byte(`{"type":"heartbeat"}`)
}

// DecodePollResponse parses a poll body. ok is false when nothing is pending:
// an empty body, `{}`, or a null command.
func DecodePollResponse(data []byte) (cmd envelope.Command, ok bool, err error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return envelope.Command{}, false, nil
	}
	var resp PollResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return envelope.Command{}, false, fmt.Errorf("%s - %w: %v", codecLogPrefix, ErrMalformedFrame, err)
	}
	trimmed := bytes.TrimSpace(resp.Command)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return envelope.Command{}, false, nil
	}
	if resp.ID != "" {
		return decodeCorrelated(resp.ID, resp.Command), true, nil
	}
	cmd, err = DecodeCommand(resp.ID, resp.Command)
	if err != nil {
		return envelope.Command{}, false, err
	}
	return cmd, true, nil
}
