// Package controller glues the remote session machinery to the chat
// controller. The host controller holds at most one satellite binding
// and one live session at a time, and every transition runs under the
// same lock that serializes chat store writes, so registry updates and
// session state changes are atomic with respect to chat activity.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/veilchat/remote/internal/config"
	"github.com/veilchat/remote/internal/engine"
	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/registry"
	"github.com/veilchat/remote/internal/router"
	"github.com/veilchat/remote/internal/session"
	"github.com/veilchat/remote/internal/transport"
)

// Notification is a controller-surfaced response for the chat output
// queue. The host UI presents satRequestIdentity and satTookOver as
// notifications; the satellite UI presents satIdentityDisposed as a
// full disconnect.
type Notification struct {
	Type          string `json:"type"`
	SatIdentityID int64  `json:"satIdentityId,omitempty"`
	Identity      string `json:"identity,omitempty"`
}

// Notification type values.
const (
	NoteRequestIdentity   = "satRequestIdentity"
	NoteIdentityRecord    = "satIdentityRecord"
	NoteIdentityConfirmed = "satIdentityConfirmed"
	NoteIdentityRejected  = "satIdentityRejected"
	NoteTookOver          = "satTookOver"
	NoteResumed           = "satResumed"
	NoteIdentityDisposed  = "satIdentityDisposed"
)

// HostConfig parameterizes the host controller.
type HostConfig struct {
	// Registry is the device registry sharing the chat store database.
	Registry *registry.Store

	// Engine is the local chat engine.
	Engine engine.Engine

	// Config supplies session and transport tunables.
	Config *config.Config

	// Mirror applies satellite-originated state changes to the host's
	// own chat view. Optional.
	Mirror router.MirrorFunc
}

// Host is the process-wide host-side coordinator.
type Host struct {
	// mu is the chat store writer lock, shared with the registry.
	mu sync.Locker

	registry *registry.Store
	engine   engine.Engine
	cfg      *config.Config
	mirror   router.MirrorFunc
	consumer *pairing.Consumer

	// One satellite slot and one session slot.
	satelliteID *int64
	sess        *session.Session
	hostRouter  *router.Host

	// pairingNonce is the consumed token's nonce; the pairing
	// handshake must echo it.
	pairingNonce []byte

	// takeoverChannel holds the live channel across a takeover: the
	// session suspends but the connection stays up for resume.
	takeoverChannel *transport.Channel

	notes chan Notification

	pumpCancel context.CancelFunc
}

// NewHost creates the host controller.
func NewHost(cfg HostConfig) *Host {
	return &Host{
		mu:       cfg.Registry.Locker(),
		registry: cfg.Registry,
		engine:   cfg.Engine,
		cfg:      cfg.Config,
		mirror:   cfg.Mirror,
		consumer: pairing.NewConsumer(pairing.ConsumerConfig{}),
		notes:    make(chan Notification, 64),
	}
}

// Notifications delivers controller-surfaced responses.
func (h *Host) Notifications() <-chan Notification {
	return h.notes
}

func (h *Host) emit(n Notification) {
	select {
	case h.notes <- n:
	default:
		log.Printf("controller: notification queue full, dropped %s", n.Type)
	}
}

// AcceptPairingAnswer consumes a satellite's out-of-band token,
// registers the device as pending, and opens the pairing session. The
// returned satIdentityId is surfaced to the host UI for approval.
func (h *Host) AcceptPairingAnswer(answer string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess != nil && h.sess.Phase() != session.PhaseDisposed {
		return 0, remoteErrors.New(remoteErrors.CodeSessionExists, "a satellite session is already active")
	}

	token, err := h.consumer.Consume(answer)
	if err != nil {
		return 0, err
	}

	name := token.HostHint
	if name == "" {
		name = "satellite"
	}
	deviceID, _, err := h.registry.Register(name, token.SatPub)
	if err != nil {
		return 0, err
	}

	sess := session.New(session.Config{
		DeviceID:        deviceID,
		SatIdentity:     token.SatPub,
		EventBufferSize: h.cfg.EventBufferSize,
	})
	if err := sess.BeginPairing(); err != nil {
		return 0, err
	}

	h.satelliteID = &deviceID
	h.sess = sess
	h.hostRouter = router.NewHost(router.HostConfig{
		Engine:  h.engine,
		Session: sess,
		Mirror:  h.mirror,
	})
	h.takeoverChannel = nil
	h.pairingNonce = append([]byte(nil), token.Nonce...)

	h.emit(Notification{Type: NoteRequestIdentity, Identity: answer})
	h.emit(Notification{Type: NoteIdentityRecord, SatIdentityID: deviceID, Identity: answer})
	return deviceID, nil
}

// sessionFor validates that the given satIdentityId matches the
// occupied slot. Must be called with h.mu held.
func (h *Host) sessionFor(satIdentityID int64) (*session.Session, error) {
	if h.sess == nil || h.satelliteID == nil || *h.satelliteID != satIdentityID {
		return nil, remoteErrors.DeviceUnknown()
	}
	return h.sess, nil
}

// ConfirmPairing records the host user's approval: the device row goes
// active and both sides observe satIdentityConfirmed.
func (h *Host) ConfirmPairing(satIdentityID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.sessionFor(satIdentityID); err != nil {
		return err
	}
	if err := h.registry.Confirm(satIdentityID); err != nil {
		return err
	}

	h.emit(Notification{Type: NoteIdentityConfirmed, SatIdentityID: satIdentityID})
	h.notifySatellite(Notification{Type: NoteIdentityConfirmed, SatIdentityID: satIdentityID})
	return nil
}

// RejectPairing records the host user's refusal: the pending device row
// is removed and the session returns to idle.
func (h *Host) RejectPairing(satIdentityID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, err := h.sessionFor(satIdentityID)
	if err != nil {
		return err
	}
	if err := h.registry.Reject(satIdentityID); err != nil {
		return err
	}
	if err := sess.AbortPairing(); err != nil {
		return err
	}

	h.satelliteID = nil
	h.sess = nil
	h.hostRouter = nil
	h.pairingNonce = nil

	h.emit(Notification{Type: NoteIdentityRejected, SatIdentityID: satIdentityID})
	return nil
}

// Takeover suspends the session because the host's own UI wants the
// foreground. The channel stays up but event relay stops; the satellite
// is told to stop issuing commands.
func (h *Host) Takeover() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess == nil || h.satelliteID == nil {
		return remoteErrors.DeviceUnknown()
	}

	ch, err := h.sess.Channel()
	if err != nil {
		return err
	}
	if err := h.sess.Suspend(); err != nil {
		return err
	}
	h.takeoverChannel = ch

	note := Notification{Type: NoteTookOver, SatIdentityID: *h.satelliteID}
	h.emit(note)
	h.sendOn(ch, note)
	return nil
}

// Resume returns a taken-over session to active on the retained
// channel. Attach flushes anything buffered in the meantime; the
// satellite learns it may issue commands again from satResumed, which
// follows the flushed backlog on the wire.
func (h *Host) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess == nil || h.takeoverChannel == nil {
		return remoteErrors.DeviceUnknown()
	}

	ch := h.takeoverChannel
	if err := h.sess.Attach(ch); err != nil {
		return err
	}
	h.takeoverChannel = nil

	note := Notification{Type: NoteResumed, SatIdentityID: *h.satelliteID}
	h.emit(note)
	h.sendOn(ch, note)
	return nil
}

// Dispose terminates the session, keeping the device row for later
// re-pairing if it is still active. Idempotent: disposing an absent or
// disposed session succeeds.
func (h *Host) Dispose(satIdentityID int64) error {
	h.mu.Lock()
	teardown, err := h.disposeLocked(satIdentityID, false)
	h.mu.Unlock()
	teardown()
	return err
}

// Deregister disposes the session and additionally revokes the device
// row, so any later handshake from its key fails device.revoked.
func (h *Host) Deregister(satIdentityID int64) error {
	h.mu.Lock()
	teardown, err := h.disposeLocked(satIdentityID, true)
	h.mu.Unlock()
	teardown()
	return err
}

// disposeLocked vacates the slot under h.mu and returns a teardown the
// caller runs after releasing it: the farewell notification and the
// channel close are network I/O and must not run under the chat-store
// lock, where one stalled satellite would wedge the whole host.
func (h *Host) disposeLocked(satIdentityID int64, revoke bool) (func(), error) {
	noop := func() {}

	if revoke {
		if err := h.registry.Revoke(satIdentityID); err != nil {
			return noop, err
		}
	}

	sess, err := h.sessionFor(satIdentityID)
	if err != nil {
		// Nothing live to tear down; dispose is idempotent.
		return noop, nil
	}

	note := Notification{Type: NoteIdentityDisposed, SatIdentityID: satIdentityID}
	notifyCh, chErr := sess.Channel()
	if chErr != nil {
		notifyCh = h.takeoverChannel
	}

	if h.pumpCancel != nil {
		h.pumpCancel()
		h.pumpCancel = nil
	}

	h.satelliteID = nil
	h.sess = nil
	h.hostRouter = nil
	h.takeoverChannel = nil
	h.pairingNonce = nil

	h.emit(note)
	return func() {
		if notifyCh != nil {
			h.sendOn(notifyCh, note)
		}
		sess.Dispose()
	}, nil
}

// sendOn pushes a controller notification to the satellite as an event
// frame. Best-effort: a dying channel is handled by the suspend path.
func (h *Host) sendOn(ch *transport.Channel, n Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := ch.Send(transport.NewEventFrame(body)); err != nil {
		log.Printf("controller: failed to notify satellite: %v", err)
	}
}

// notifySatellite sends a notification over the active channel if one
// is up. Must be called with h.mu held.
func (h *Host) notifySatellite(n Notification) {
	if h.sess == nil {
		return
	}
	if ch, err := h.sess.Channel(); err == nil {
		h.sendOn(ch, n)
	}
}

// HandshakeOptions builds the transport options for an inbound
// connection: the pairing nonce check and the registry identity check,
// both bound to this controller's state.
func (h *Host) HandshakeOptions(identity *transport.Identity) transport.Options {
	return transport.Options{
		Handshake: transport.HandshakeConfig{
			Identity:       identity,
			MaxRecordBytes: h.cfg.MaxRecordBytes,
			VerifyOOB:      h.verifyPairingNonce,
			Authenticate: func(peerIdentity []byte) error {
				_, err := h.registry.Authenticate(peerIdentity, nil)
				return err
			},
		},
		Channel: transport.ChannelConfig{
			Keepalive: h.cfg.KeepaliveInterval(),
		},
	}
}

// verifyPairingNonce checks a pairing handshake against the session
// opened by AcceptPairingAnswer: the nonce must belong to the consumed
// token and the connecting identity must be the token's key.
func (h *Host) verifyPairingNonce(nonce, peerIdentity []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess == nil || h.sess.Phase() != session.PhasePairing {
		return remoteErrors.HandshakeReject("no pairing in progress")
	}
	if !bytes.Equal(nonce, h.pairingNonce) {
		return remoteErrors.PairingReplay()
	}
	if !bytes.Equal(peerIdentity, h.sess.SatIdentity()) {
		return remoteErrors.AuthFail()
	}
	return nil
}

// AttachChannel binds a freshly handshaken channel to the session:
// pairing completes, or a suspended session resumes. Attach delivers
// buffered events before new traffic, and the router starts serving
// the channel.
func (h *Host) AttachChannel(ctx context.Context, ch *transport.Channel) error {
	h.mu.Lock()

	if h.sess == nil {
		h.mu.Unlock()
		ch.Close("no session")
		return remoteErrors.DeviceUnknown()
	}

	sess := h.sess
	hostRouter := h.hostRouter

	// Completing a pairing needs the host user's approval on record; a
	// pending device must not reach the active phase.
	if sess.Phase() == session.PhasePairing {
		device, err := h.registry.Get(sess.DeviceID())
		if err != nil {
			h.mu.Unlock()
			ch.Close("unknown device")
			return remoteErrors.DeviceUnknown()
		}
		if device.Status != registry.DeviceStatusActive {
			h.mu.Unlock()
			ch.Close("pairing not confirmed")
			return remoteErrors.New(remoteErrors.CodeAuthFail, "pairing not confirmed")
		}
	}

	if err := sess.Attach(ch); err != nil {
		h.mu.Unlock()
		ch.Close("attach failed")
		return err
	}
	h.takeoverChannel = nil

	if h.pumpCancel == nil {
		pumpCtx, cancel := context.WithCancel(ctx)
		h.pumpCancel = cancel
		go hostRouter.PumpResponses(pumpCtx)
		go hostRouter.PumpSubmits(pumpCtx)
	}
	h.mu.Unlock()

	go h.serve(ctx, sess, hostRouter, ch)
	return nil
}

// serve runs the router until the channel dies, then suspends the
// session so a reconnect can resume it. Identity-fatal errors dispose
// instead.
func (h *Host) serve(ctx context.Context, sess *session.Session, hostRouter *router.Host, ch *transport.Channel) {
	err := hostRouter.ServeChannel(ctx, ch)

	h.mu.Lock()
	teardown := func() {}

	if sess.Phase() == session.PhaseActive {
		switch remoteErrors.GetCode(err) {
		case remoteErrors.CodeDeviceUnknown, remoteErrors.CodeDeviceRevoked:
			log.Printf("controller: channel died fatally: %v", err)
			if h.satelliteID != nil {
				teardown, _ = h.disposeLocked(*h.satelliteID, false)
			}
		default:
			log.Printf("controller: channel down (%v), session suspended", err)
			sess.Suspend()
		}
	}

	h.mu.Unlock()
	teardown()
}

// SessionPhase reports the current session phase, or disposed when no
// session exists.
func (h *Host) SessionPhase() session.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return session.PhaseDisposed
	}
	return h.sess.Phase()
}
