// Package engine defines the narrow seam between the remote session
// machinery and the chat engine proper. The router pushes commands in
// and pulls responses out; everything the engine does in between is
// its own business.
package engine

import (
	"context"
	"encoding/json"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// Command is one chat command submitted on behalf of a satellite. The
// body is the engine's own JSON command format, passed through opaque.
type Command struct {
	// CorrID correlates the eventual response. Never zero.
	CorrID uint64

	// Body is the raw command payload.
	Body json.RawMessage
}

// Response is one chat engine response. CorrID links it to a submitted
// command; zero marks a spontaneous event.
type Response struct {
	CorrID uint64
	Body   json.RawMessage
}

// Event reports whether the response is a spontaneous event rather
// than a command reply.
func (r Response) Event() bool {
	return r.CorrID == 0
}

// Engine is the chat engine as seen from a remote session.
type Engine interface {
	// Submit hands a command to the engine. The response arrives later
	// on Responses with the same correlation id.
	Submit(ctx context.Context, cmd Command) error

	// Responses streams replies and events. The channel closes when
	// the engine shuts down.
	Responses() <-chan Response
}

// tagEnvelope is the minimal shape shared by all engine commands.
type tagEnvelope struct {
	Type string `json:"type"`
}

// Tag extracts the command type tag from a raw command body.
func Tag(body json.RawMessage) (string, error) {
	var env tagEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", remoteErrors.DecodeError(err)
	}
	if env.Type == "" {
		return "", remoteErrors.DecodeError(nil)
	}
	return env.Type, nil
}
