package router

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/transport"
)

const (
	// DefaultCommandTimeout bounds the wait for a reply.
	DefaultCommandTimeout = 30 * time.Second

	// DefaultQueueSize bounds commands held while disconnected.
	DefaultQueueSize = 64
)

// SatelliteConfig parameterizes the satellite-side router.
type SatelliteConfig struct {
	// CommandTimeout bounds the wait for each command's reply.
	// Default: DefaultCommandTimeout.
	CommandTimeout time.Duration

	// QueueSize bounds commands held while no channel is attached.
	// Default: DefaultQueueSize.
	QueueSize int

	// EventBufferSize sizes the local event delivery channel.
	// Default: 256.
	EventBufferSize int
}

// pendingReply is one in-flight command awaiting its reply frame.
type pendingReply struct {
	result chan result
}

type result struct {
	body json.RawMessage
	err  error
}

// queuedCommand is a command held back while the channel is down.
type queuedCommand struct {
	id   uint64
	body json.RawMessage
}

// Satellite issues commands over the channel, matches replies by
// correlation id, surfaces events to the local UI, and queues commands
// across outages.
type Satellite struct {
	cfg SatelliteConfig

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pendingReply
	queue    []queuedCommand
	channel  *transport.Channel
	disposed bool

	// flushMu serializes reconnect flushes so queued commands keep
	// their insertion order across overlapping attaches.
	flushMu sync.Mutex

	events chan json.RawMessage
}

// NewSatellite creates the satellite-side router with no channel
// attached; commands queue until Attach.
func NewSatellite(cfg SatelliteConfig) *Satellite {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}

	return &Satellite{
		cfg:     cfg,
		pending: make(map[uint64]*pendingReply),
		events:  make(chan json.RawMessage, cfg.EventBufferSize),
	}
}

// Events delivers incoming engine events to the local UI.
func (s *Satellite) Events() <-chan json.RawMessage {
	return s.events
}

// Submit sends one command and waits for its reply. While no channel
// is attached the command queues (bounded, router.queue_full beyond
// capacity) and the reply wait spans the reconnect.
func (s *Satellite) Submit(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, remoteErrors.SessionDisposed()
	}

	s.nextID++
	id := s.nextID
	pr := &pendingReply{result: make(chan result, 1)}
	s.pending[id] = pr

	ch := s.channel
	if ch == nil {
		if len(s.queue) >= s.cfg.QueueSize {
			delete(s.pending, id)
			s.mu.Unlock()
			return nil, remoteErrors.New(remoteErrors.CodeQueueFull, "command queue is full")
		}
		s.queue = append(s.queue, queuedCommand{id: id, body: body})
	}
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Send(transport.NewCmdFrame(id, body)); err != nil {
			// The channel just died; leave the command pending so the
			// reconnect flush resends it.
			s.mu.Lock()
			if !s.disposed && len(s.queue) < s.cfg.QueueSize {
				s.queue = append(s.queue, queuedCommand{id: id, body: body})
				s.mu.Unlock()
			} else {
				delete(s.pending, id)
				s.mu.Unlock()
				return nil, err
			}
		}
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case res := <-pr.result:
		return res.body, res.err
	case <-timer.C:
		s.dropPending(id)
		return nil, remoteErrors.Timeout("command")
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

func (s *Satellite) dropPending(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	for i, qc := range s.queue {
		if qc.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// QueuedCommands returns how many commands are waiting for a channel.
func (s *Satellite) QueuedCommands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Attach binds a live channel and flushes queued commands in insertion
// order. The flush runs off the caller's goroutine: the caller is
// usually the frame read loop, and it must keep draining replies while
// the backlog goes out.
func (s *Satellite) Attach(ch *transport.Channel) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return remoteErrors.SessionDisposed()
	}
	s.channel = ch
	flush := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(flush) > 0 {
		go s.flush(ch, flush)
	}
	return nil
}

// flush resends queued commands. On a dead channel the unsent tail is
// put back at the head of the queue; the pending entries stay live so
// the replies still resolve after the next reconnect.
func (s *Satellite) flush(ch *transport.Channel, queued []queuedCommand) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for i, qc := range queued {
		if err := ch.Send(transport.NewCmdFrame(qc.id, qc.body)); err != nil {
			s.mu.Lock()
			if !s.disposed {
				s.queue = append(append([]queuedCommand(nil), queued[i:]...), s.queue...)
			}
			s.mu.Unlock()
			log.Printf("router: reconnect flush interrupted after %d of %d commands: %v", i, len(queued), err)
			return
		}
	}
	log.Printf("router: flushed %d queued commands after reconnect", len(queued))
}

// Detach drops the channel reference while the session suspends.
// Pending commands stay pending; their replies may still arrive after
// reconnect within the command timeout.
func (s *Satellite) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = nil
}

// Dispose terminates the router. Every pending and queued command
// fails with session.disposed.
func (s *Satellite) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.disposed = true
	s.channel = nil
	s.queue = nil

	for id, pr := range s.pending {
		pr.result <- result{err: remoteErrors.SessionDisposed()}
		delete(s.pending, id)
	}
	close(s.events)
}

// remoteErrorBody is the error payload a host puts inside a reply.
type remoteErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleFrame dispatches one incoming frame: replies resolve their
// pending entry, events go to the local UI. Orphan replies are dropped
// with a warning.
func (s *Satellite) HandleFrame(f transport.Frame) {
	switch f.K {
	case transport.KindReply:
		s.mu.Lock()
		pr, ok := s.pending[f.ID]
		if ok {
			delete(s.pending, f.ID)
		}
		s.mu.Unlock()

		if !ok {
			log.Printf("router: dropping orphan reply id=%d", f.ID)
			return
		}

		var remoteErr remoteErrorBody
		if json.Unmarshal(f.Resp, &remoteErr) == nil && remoteErr.Type == "remoteError" {
			pr.result <- result{err: remoteErrors.New(remoteErr.Code, remoteErr.Message)}
			return
		}
		pr.result <- result{body: f.Resp}

	case transport.KindEvent:
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		select {
		case s.events <- f.Resp:
		default:
			log.Printf("router: local event buffer full, dropping event")
		}
		s.mu.Unlock()

	default:
		log.Printf("router: dropping unexpected %s frame from host", f.K)
	}
}

// Run reads frames from the channel until it dies and returns the
// channel's terminal error. The caller decides whether to redial.
func (s *Satellite) Run(ctx context.Context, ch *transport.Channel) error {
	if err := s.Attach(ch); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-ch.Frames():
			if !ok {
				s.Detach()
				return ch.Err()
			}
			s.HandleFrame(f)
		}
	}
}
