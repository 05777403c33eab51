package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// Loopback is an Engine that acknowledges every command with a canned
// reply. It backs the demo binaries and the router tests; a real
// deployment wires the chat engine's dispatcher here instead.
type Loopback struct {
	mu        sync.Mutex
	responses chan Response
	closed    bool
}

// NewLoopback creates a loopback engine with the given response
// channel capacity.
func NewLoopback(buffer int) *Loopback {
	return &Loopback{responses: make(chan Response, buffer)}
}

// Submit echoes the command back as an acknowledgment reply.
func (l *Loopback) Submit(ctx context.Context, cmd Command) error {
	tag, err := Tag(cmd.Body)
	if err != nil {
		return err
	}

	body := json.RawMessage(fmt.Sprintf(`{"type":"ack","cmd":%q}`, tag))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return remoteErrors.Closed()
	}

	select {
	case l.responses <- Response{CorrID: cmd.CorrID, Body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit injects a spontaneous event.
func (l *Loopback) Emit(body json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.responses <- Response{Body: body}
}

// Responses streams replies and events.
func (l *Loopback) Responses() <-chan Response {
	return l.responses
}

// Close shuts the response stream down.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.responses)
	}
}
