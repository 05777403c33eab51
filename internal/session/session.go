// Package session tracks the host-side lifecycle of a satellite
// binding: a small state machine from pairing through active use,
// suspension across outages, and final disposal. The session owns the
// channel handle while one exists and buffers outbound events while
// the satellite is away.
package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/transport"
)

// Phase is a session lifecycle state.
type Phase string

const (
	// PhaseIdle is the state before pairing begins.
	PhaseIdle Phase = "idle"

	// PhasePairing covers the window between token exchange and the
	// user's confirmation.
	PhasePairing Phase = "pairing"

	// PhaseActive means a live channel is attached and commands flow.
	PhaseActive Phase = "active"

	// PhaseSuspended means the binding survives but no channel is up.
	PhaseSuspended Phase = "suspended"

	// PhaseDisposed is terminal. A disposed session never comes back.
	PhaseDisposed Phase = "disposed"
)

// legalTransitions enumerates every permitted phase change. Anything
// absent here is an illegal transition.
var legalTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhasePairing, PhaseDisposed},
	PhasePairing:   {PhaseActive, PhaseIdle, PhaseDisposed},
	PhaseActive:    {PhaseSuspended, PhaseDisposed},
	PhaseSuspended: {PhaseActive, PhaseDisposed},
}

func canTransition(from, to Phase) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config parameterizes a new session.
type Config struct {
	// DeviceID is the registry row this session belongs to.
	DeviceID int64

	// SatIdentity is the satellite's Ed25519 identity key.
	SatIdentity []byte

	// EventBufferSize caps the events held while suspended.
	// Default: 256.
	EventBufferSize int

	// TimeNow returns the current time. Useful for testing.
	TimeNow func() time.Time
}

// Session is one satellite binding's lifecycle state. All methods are
// safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// id is a fresh instance id per session, so log lines from an old
	// session and its replacement never get conflated.
	id string

	deviceID    int64
	satIdentity []byte

	phase        Phase
	channel      *transport.Channel
	events       *eventBuffer
	lastActivity time.Time
	timeNow      func() time.Time
}

// New creates a session in the idle phase.
func New(cfg Config) *Session {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	if cfg.TimeNow == nil {
		cfg.TimeNow = time.Now
	}

	return &Session{
		id:           uuid.NewString(),
		deviceID:     cfg.DeviceID,
		satIdentity:  append([]byte(nil), cfg.SatIdentity...),
		phase:        PhaseIdle,
		events:       newEventBuffer(cfg.EventBufferSize),
		timeNow:      cfg.TimeNow,
		lastActivity: cfg.TimeNow(),
	}
}

// ID returns the session instance id.
func (s *Session) ID() string {
	return s.id
}

// DeviceID returns the registry device this session belongs to.
func (s *Session) DeviceID() int64 {
	return s.deviceID
}

// SatIdentity returns the satellite's identity key.
func (s *Session) SatIdentity() []byte {
	return s.satIdentity
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastActivity returns the time of the last state change or Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.timeNow()
}

// transitionLocked moves to a new phase or fails with
// session.illegal_transition. Must be called with s.mu held.
func (s *Session) transitionLocked(to Phase) error {
	if !canTransition(s.phase, to) {
		return remoteErrors.IllegalTransition(string(s.phase), string(to))
	}
	log.Printf("session %s: %s -> %s", s.id, s.phase, to)
	s.phase = to
	s.lastActivity = s.timeNow()
	return nil
}

// BeginPairing moves an idle session into the pairing phase.
func (s *Session) BeginPairing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(PhasePairing)
}

// AbortPairing returns a pairing session to idle after a rejection or
// a failed handshake.
func (s *Session) AbortPairing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhasePairing {
		return remoteErrors.IllegalTransition(string(s.phase), string(PhaseIdle))
	}
	return s.transitionLocked(PhaseIdle)
}

// Attach binds a live channel and moves to active, from pairing (first
// confirmation) or suspended (reconnect). Events buffered during the
// outage are delivered before the channel is published, so nothing
// relayed afterwards can overtake them.
func (s *Session) Attach(ch *transport.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(PhaseActive); err != nil {
		return err
	}

	events := s.events.drain()
	for i, f := range events {
		if err := ch.Send(f); err != nil {
			// The channel died mid-flush; keep the unsent tail for the
			// next reconnect. The attach itself stands so the serve
			// loop observes the death and suspends normally.
			s.events.restore(events[i:])
			log.Printf("session %s: flush interrupted after %d of %d events: %v", s.id, i, len(events), err)
			break
		}
	}
	if len(events) > 0 {
		log.Printf("session %s: flushed %d buffered events", s.id, len(events))
	}

	s.channel = ch
	return nil
}

// Suspend releases the channel handle and moves to suspended. The
// channel itself is already dead or dying; the session just lets go.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(PhaseSuspended); err != nil {
		return err
	}
	s.channel = nil
	return nil
}

// Dispose terminates the session from any phase. Idempotent: disposing
// a disposed session is a no-op, not an error. The channel handle is
// invalidated under the lock; the socket close itself runs outside it.
func (s *Session) Dispose() {
	s.mu.Lock()

	if s.phase == PhaseDisposed {
		s.mu.Unlock()
		return
	}
	log.Printf("session %s: %s -> %s", s.id, s.phase, PhaseDisposed)
	s.phase = PhaseDisposed
	s.lastActivity = s.timeNow()

	ch := s.channel
	s.channel = nil
	s.events.clear()
	s.mu.Unlock()

	if ch != nil {
		ch.Close("session disposed")
	}
}

// Channel returns the attached channel, or an error describing why
// none is available.
func (s *Session) Channel() (*transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseActive:
		return s.channel, nil
	case PhaseSuspended:
		return nil, remoteErrors.SessionSuspended()
	case PhaseDisposed:
		return nil, remoteErrors.SessionDisposed()
	default:
		return nil, remoteErrors.IllegalTransition(string(s.phase), string(PhaseActive))
	}
}

// BufferEvent queues an event frame for delivery after reconnect,
// dropping the oldest entry when the buffer is full. Buffering on a
// disposed session is a silent no-op.
func (s *Session) BufferEvent(f transport.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseDisposed {
		return
	}
	if dropped := s.events.push(f); dropped {
		log.Printf("session %s: event buffer full, dropped oldest event", s.id)
	}
}

// DrainEvents removes and returns all buffered events, oldest first.
func (s *Session) DrainEvents() []transport.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.drain()
}

// BufferedEvents returns how many events are waiting.
func (s *Session) BufferedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.len()
}
