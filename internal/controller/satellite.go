package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/veilchat/remote/internal/config"
	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/router"
	"github.com/veilchat/remote/internal/session"
	"github.com/veilchat/remote/internal/transport"
)

// SatelliteConfig parameterizes the satellite controller.
type SatelliteConfig struct {
	// Config supplies session and transport tunables.
	Config *config.Config

	// Identity is the satellite's long-lived key pair. Generated fresh
	// when nil.
	Identity *transport.Identity

	// Dial establishes one outer connection and runs the initiator
	// handshake, typically by composing net.Dial with InitiateStream.
	Dial transport.RedialFunc
}

// Satellite is the desktop-side coordinator: it generates the pairing
// token, keeps the session alive across reconnects, and forwards
// commands and events between the local UI and the channel.
type Satellite struct {
	cfg      *config.Config
	identity *transport.Identity
	dial     transport.RedialFunc

	cmds *router.Satellite
	sess *session.Session

	mu sync.Mutex

	// token is the outstanding pairing token, until the first
	// handshake completes.
	token *pairing.Token

	// hostIdentity pins the host's key after the first handshake.
	hostIdentity []byte

	// channel is the live channel, retained across a host takeover so
	// satResumed can re-attach it.
	channel *transport.Channel

	events chan json.RawMessage
}

// NewSatellite creates the satellite controller.
func NewSatellite(cfg SatelliteConfig) (*Satellite, error) {
	identity := cfg.Identity
	if identity == nil {
		var err error
		identity, err = transport.NewIdentity()
		if err != nil {
			return nil, err
		}
	}

	return &Satellite{
		cfg:      cfg.Config,
		identity: identity,
		dial:     cfg.Dial,
		cmds: router.NewSatellite(router.SatelliteConfig{
			CommandTimeout:  cfg.Config.CommandTimeout(),
			QueueSize:       cfg.Config.CommandQueueSize,
			EventBufferSize: cfg.Config.EventBufferSize,
		}),
		sess:   session.New(session.Config{EventBufferSize: cfg.Config.EventBufferSize}),
		events: make(chan json.RawMessage, cfg.Config.EventBufferSize),
	}, nil
}

// Identity returns the satellite's long-lived key pair.
func (s *Satellite) Identity() *transport.Identity {
	return s.identity
}

// BeginPairing generates a fresh single-use pairing token for the host
// to consume out of band and moves the session into pairing.
func (s *Satellite) BeginPairing(mode pairing.Mode, hostHint, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sess.BeginPairing(); err != nil {
		return "", err
	}

	token, err := pairing.NewToken(mode, s.identity.Public, hostHint, addr, s.sess.LastActivity())
	if err != nil {
		s.sess.AbortPairing()
		return "", err
	}
	s.token = token

	encoded, err := token.Encode()
	if err != nil {
		s.sess.AbortPairing()
		return "", err
	}
	return encoded, nil
}

// HandshakeOptions builds the transport options for the next outbound
// or inbound connection. The first handshake carries the token nonce;
// later ones pin the host identity learned during pairing.
func (s *Satellite) HandshakeOptions() transport.Options {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs := transport.HandshakeConfig{
		Identity:       s.identity,
		MaxRecordBytes: s.cfg.MaxRecordBytes,
	}
	if s.token != nil {
		hs.OOBNonce = s.token.Nonce
	}
	if pinned := s.hostIdentity; pinned != nil {
		hs.Authenticate = func(peer []byte) error {
			if !bytes.Equal(peer, pinned) {
				return remoteErrors.AuthFail()
			}
			return nil
		}
	}

	return transport.Options{
		Handshake: hs,
		Channel:   transport.ChannelConfig{Keepalive: s.cfg.KeepaliveInterval()},
	}
}

// Events delivers engine events for the local UI, with the session
// control events already handled.
func (s *Satellite) Events() <-chan json.RawMessage {
	return s.events
}

// Submit issues one chat command over the session and waits for its
// reply.
func (s *Satellite) Submit(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return s.cmds.Submit(ctx, body)
}

// Phase reports the session phase.
func (s *Satellite) Phase() session.Phase {
	return s.sess.Phase()
}

// Dispose terminates the session: pending and queued commands fail and
// the event stream closes.
func (s *Satellite) Dispose() {
	s.cmds.Dispose()
	s.sess.Dispose()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil {
		close(s.events)
		s.events = nil
	}
}

// onAttached records the authenticated host identity after the first
// handshake and drops the single-use token.
func (s *Satellite) onAttached(ch *transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostIdentity = ch.PeerIdentity()
	s.channel = ch
	s.token = nil
}

// controlEvent handles session control events from the host. It
// returns true when the event was consumed.
func (s *Satellite) controlEvent(body json.RawMessage) bool {
	var note Notification
	if json.Unmarshal(body, &note) != nil {
		return false
	}

	switch note.Type {
	case NoteTookOver:
		// The host UI took the foreground; stop issuing commands until
		// the host resumes us. The channel stays up, but the command
		// router lets go of it so new commands queue instead of flowing.
		log.Printf("controller: host took over, suspending session")
		if s.sess.Phase() == session.PhaseActive {
			s.sess.Suspend()
		}
		s.cmds.Detach()
		return true
	case NoteResumed:
		log.Printf("controller: host resumed the session")
		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()
		if ch == nil {
			return true
		}
		if s.sess.Phase() == session.PhaseSuspended {
			if err := s.sess.Attach(ch); err != nil {
				log.Printf("controller: re-attach after resume failed: %v", err)
				return true
			}
		}
		if err := s.cmds.Attach(ch); err != nil {
			log.Printf("controller: queued command flush after resume failed: %v", err)
		}
		return true
	case NoteIdentityConfirmed:
		log.Printf("controller: host confirmed pairing (satIdentityId=%d)", note.SatIdentityID)
		return false
	case NoteIdentityDisposed:
		log.Printf("controller: host disposed the session")
		s.Dispose()
		return true
	}
	return false
}

// forwardEvents pumps router events to the UI, peeling off control
// events.
func (s *Satellite) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.cmds.Events():
			if !ok {
				return
			}
			if s.controlEvent(ev) {
				continue
			}

			s.mu.Lock()
			if s.events == nil {
				s.mu.Unlock()
				return
			}
			select {
			case s.events <- ev:
			default:
				log.Printf("controller: UI event buffer full, dropping event")
			}
			s.mu.Unlock()
		}
	}
}

// Run keeps the session alive: dial, serve, suspend on failure, redial
// with backoff, dispose once the outage ceiling passes or the host
// rejects the identity for good. Returns when the session is disposed
// or the context is cancelled.
func (s *Satellite) Run(ctx context.Context) error {
	go s.forwardEvents(ctx)

	redialer := &transport.Redialer{
		Dial:    s.dial,
		Ceiling: s.cfg.ReconnectCeiling(),
	}

	first := true
	for {
		if s.sess.Phase() == session.PhaseDisposed {
			return remoteErrors.SessionDisposed()
		}

		var (
			ch  *transport.Channel
			err error
		)
		if first {
			ch, err = s.dial(ctx)
			first = false
		} else {
			ch, err = redialer.Redial(ctx)
		}
		if err != nil {
			log.Printf("controller: connection lost for good: %v", err)
			s.Dispose()
			return err
		}

		// Reconnecting from a persisted identity starts from idle;
		// walk it through pairing so the transition stays legal.
		if s.sess.Phase() == session.PhaseIdle {
			s.sess.BeginPairing()
		}
		if s.sess.Phase() == session.PhasePairing || s.sess.Phase() == session.PhaseSuspended {
			if attachErr := s.sess.Attach(ch); attachErr != nil {
				ch.Close("attach failed")
				return attachErr
			}
		}
		s.onAttached(ch)

		err = s.cmds.Run(ctx, ch)
		if ctx.Err() != nil {
			ch.Close("shutting down")
			return ctx.Err()
		}
		if s.sess.Phase() == session.PhaseDisposed {
			return remoteErrors.SessionDisposed()
		}

		log.Printf("controller: channel down (%v), reconnecting", err)
		s.mu.Lock()
		s.channel = nil
		s.mu.Unlock()
		if s.sess.Phase() == session.PhaseActive {
			s.sess.Suspend()
		}
	}
}
