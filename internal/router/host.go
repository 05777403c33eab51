package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/veilchat/remote/internal/engine"
	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/session"
	"github.com/veilchat/remote/internal/transport"
)

// skippedResponseTags are engine responses that never cross the
// channel; they only make sense on the device that produced them.
var skippedResponseTags = map[string]bool{
	"logResponseToFile": true,
}

// MirrorFunc applies a satellite-originated state change to the host's
// own chat view.
type MirrorFunc func(tag string, body json.RawMessage)

// HostConfig parameterizes the host-side router.
type HostConfig struct {
	// Engine is the local chat engine.
	Engine engine.Engine

	// Session is the satellite's session; it gates where responses go
	// and buffers events across outages.
	Session *session.Session

	// Mirror receives mirror-tagged commands after they are forwarded.
	// Optional.
	Mirror MirrorFunc

	// SubmitQueueSize bounds commands accepted from the channel but not
	// yet handed to the engine. Default: DefaultQueueSize.
	SubmitQueueSize int
}

// submitJob is one accepted command on its way to the engine.
type submitJob struct {
	ch     *transport.Channel
	id     uint64
	body   json.RawMessage
	tag    string
	mirror bool
}

// Host filters and forwards satellite commands and relays the engine's
// replies and events back through the session's channel.
type Host struct {
	engine  engine.Engine
	session *session.Session
	mirror  MirrorFunc
	submits chan submitJob
}

// NewHost creates the host-side router.
func NewHost(cfg HostConfig) *Host {
	if cfg.SubmitQueueSize <= 0 {
		cfg.SubmitQueueSize = DefaultQueueSize
	}
	return &Host{
		engine:  cfg.Engine,
		session: cfg.Session,
		mirror:  cfg.Mirror,
		submits: make(chan submitJob, cfg.SubmitQueueSize),
	}
}

// errorReply builds the error payload carried inside a reply frame.
func errorReply(err error) json.RawMessage {
	code, message := remoteErrors.ToCodeAndMessage(err)
	body, marshalErr := json.Marshal(map[string]string{
		"type":    "remoteError",
		"code":    code,
		"message": message,
	})
	if marshalErr != nil {
		return json.RawMessage(fmt.Sprintf(`{"type":"remoteError","code":%q}`, code))
	}
	return body
}

// HandleCommand processes one cmd frame from the satellite: classify,
// deny or hand off to the engine pump, and trigger the local mirror
// where required. Denials and refusals are answered directly on the
// channel; accepted commands are answered later by the response pump.
func (h *Host) HandleCommand(ctx context.Context, ch *transport.Channel, f transport.Frame) error {
	tag, err := engine.Tag(f.Cmd)
	if err != nil {
		log.Printf("router: unparseable command id=%d: %v", f.ID, err)
		return ch.Send(transport.NewReplyFrame(f.ID, errorReply(err)))
	}

	// Only an active session executes commands. A suspended session is
	// in the host user's hands; the satellite retries after resume.
	switch phase := h.session.Phase(); phase {
	case session.PhaseActive:
	case session.PhaseDisposed:
		log.Printf("router: refusing command %q id=%d, session disposed", tag, f.ID)
		return ch.Send(transport.NewReplyFrame(f.ID, errorReply(remoteErrors.SessionDisposed())))
	default:
		log.Printf("router: refusing command %q id=%d while session %s", tag, f.ID, phase)
		return ch.Send(transport.NewReplyFrame(f.ID, errorReply(remoteErrors.SessionSuspended())))
	}

	verdict, reason := Classify(tag)
	if verdict == VerdictDenied {
		log.Printf("router: denied command %q id=%d: %s", tag, f.ID, reason)
		return ch.Send(transport.NewReplyFrame(f.ID, errorReply(remoteErrors.DeniedCommand(tag))))
	}

	job := submitJob{ch: ch, id: f.ID, body: f.Cmd, tag: tag, mirror: verdict == VerdictMirror}
	select {
	case h.submits <- job:
		return nil
	default:
		log.Printf("router: submit queue full, refusing command %q id=%d", tag, f.ID)
		return ch.Send(transport.NewReplyFrame(f.ID, errorReply(
			remoteErrors.New(remoteErrors.CodeQueueFull, "host command queue is full"))))
	}
}

// ServeChannel reads satellite frames until the channel dies and
// returns the channel's terminal error.
func (h *Host) ServeChannel(ctx context.Context, ch *transport.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-ch.Frames():
			if !ok {
				return ch.Err()
			}
			if f.K != transport.KindCmd {
				log.Printf("router: dropping unexpected %s frame from satellite", f.K)
				continue
			}
			if err := h.HandleCommand(ctx, ch, f); err != nil {
				return err
			}
		}
	}
}

// PumpSubmits drains accepted commands into the engine, keeping the
// channel reader free of engine latency. Run this once per session,
// alongside PumpResponses.
func (h *Host) PumpSubmits(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-h.submits:
			if err := h.engine.Submit(ctx, engine.Command{CorrID: job.id, Body: job.body}); err != nil {
				log.Printf("router: engine rejected command %q id=%d: %v", job.tag, job.id, err)
				if sendErr := job.ch.Send(transport.NewReplyFrame(job.id, errorReply(err))); sendErr != nil {
					log.Printf("router: failed to send error reply id=%d: %v", job.id, sendErr)
				}
				continue
			}
			h.session.Touch()

			if job.mirror && h.mirror != nil {
				h.mirror(job.tag, job.body)
			}
		}
	}
}

// PumpResponses relays engine output for as long as the engine runs.
// Replies and events go out on the session's channel while it is
// active; while suspended, events are buffered and replies dropped
// (the satellite's pending entry times out and the command can be
// retried). Run this once per session, not per channel.
func (h *Host) PumpResponses(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-h.engine.Responses():
			if !ok {
				return nil
			}
			h.relay(resp)
		}
	}
}

// relay routes one engine response to the channel or the suspension
// buffer.
func (h *Host) relay(resp engine.Response) {
	if tag, err := engine.Tag(resp.Body); err == nil && skippedResponseTags[tag] {
		return
	}

	var frame transport.Frame
	if resp.Event() {
		frame = transport.NewEventFrame(resp.Body)
	} else {
		frame = transport.NewReplyFrame(resp.CorrID, resp.Body)
	}

	ch, err := h.session.Channel()
	if err != nil {
		if resp.Event() {
			h.session.BufferEvent(frame)
		} else {
			log.Printf("router: dropping reply id=%d, no active channel: %v", resp.CorrID, err)
		}
		return
	}

	if err := ch.Send(frame); err != nil {
		if resp.Event() {
			h.session.BufferEvent(frame)
		} else {
			log.Printf("router: failed to send reply id=%d: %v", resp.CorrID, err)
		}
	}
}
