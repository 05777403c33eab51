package transport

import (
	"encoding/json"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// Kind identifies the kind of frame on the secure channel.
type Kind string

const (
	// KindCmd carries a chat command from the satellite to the host.
	// Always has a correlation id.
	KindCmd Kind = "cmd"

	// KindReply carries the chat engine's response to a cmd frame,
	// echoing its correlation id.
	KindReply Kind = "reply"

	// KindEvent carries a spontaneous chat engine response.
	// Never has a correlation id.
	KindEvent Kind = "event"

	// KindPing and KindPong are the keepalive pair.
	KindPing Kind = "ping"
	KindPong Kind = "pong"

	// KindBye announces an orderly close, carrying a reason string.
	KindBye Kind = "bye"
)

// Frame is a single length-prefixed JSON record on the secure channel.
type Frame struct {
	// K identifies the frame kind.
	K Kind `json:"k"`

	// ID is the correlation id. Present on cmd and reply; absent on
	// event and control frames.
	ID uint64 `json:"id,omitempty"`

	// Cmd is the opaque chat command payload (cmd frames).
	Cmd json.RawMessage `json:"cmd,omitempty"`

	// Resp is the opaque chat response payload (reply and event frames).
	Resp json.RawMessage `json:"resp,omitempty"`

	// Reason explains an orderly close (bye frames).
	Reason string `json:"reason,omitempty"`
}

// NewCmdFrame creates a cmd frame with the given correlation id.
func NewCmdFrame(id uint64, cmd json.RawMessage) Frame {
	return Frame{K: KindCmd, ID: id, Cmd: cmd}
}

// NewReplyFrame creates a reply frame echoing the correlation id.
func NewReplyFrame(id uint64, resp json.RawMessage) Frame {
	return Frame{K: KindReply, ID: id, Resp: resp}
}

// NewEventFrame creates an event frame.
func NewEventFrame(resp json.RawMessage) Frame {
	return Frame{K: KindEvent, Resp: resp}
}

// NewByeFrame creates a bye frame with a reason.
func NewByeFrame(reason string) Frame {
	return Frame{K: KindBye, Reason: reason}
}

// encodeFrame serializes a frame for the record layer.
func encodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, remoteErrors.Internal("marshal frame", err)
	}
	return data, nil
}

// decodeFrame parses a plaintext record into a frame and validates the
// kind-specific shape.
func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, remoteErrors.DecodeError(err)
	}

	switch f.K {
	case KindCmd:
		if f.ID == 0 || len(f.Cmd) == 0 {
			return Frame{}, remoteErrors.DecodeError(nil)
		}
	case KindReply:
		if f.ID == 0 {
			return Frame{}, remoteErrors.DecodeError(nil)
		}
	case KindEvent, KindPing, KindPong, KindBye:
	default:
		return Frame{}, remoteErrors.DecodeError(nil)
	}

	return f, nil
}
