package controller

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/veilchat/remote/internal/config"
	"github.com/veilchat/remote/internal/engine"
	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/registry"
	"github.com/veilchat/remote/internal/session"
	"github.com/veilchat/remote/internal/transport"
)

func newTestHost(t *testing.T) (*Host, *registry.Store, *engine.Loopback) {
	t.Helper()

	store, err := registry.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	eng := engine.NewLoopback(16)
	t.Cleanup(eng.Close)

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	return NewHost(HostConfig{Registry: store, Engine: eng, Config: cfg}), store, eng
}

// satelliteToken generates a satellite identity and its pairing token.
func satelliteToken(t *testing.T) (*transport.Identity, *pairing.Token, string) {
	t.Helper()

	identity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	token, err := pairing.NewToken(pairing.ModeHostListens, identity.Public, "alice's phone", "192.168.1.9:5225", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := token.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return identity, token, encoded
}

func expectNote(t *testing.T, h *Host, wantType string) Notification {
	t.Helper()
	select {
	case n := <-h.Notifications():
		if n.Type != wantType {
			t.Fatalf("notification = %s, want %s", n.Type, wantType)
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s notification", wantType)
	}
	return Notification{}
}

// handshakeChannels runs the pairing handshake between the satellite
// identity and the host controller, returning both channel ends without
// attaching the host side.
func handshakeChannels(t *testing.T, h *Host, satIdentity *transport.Identity, token *pairing.Token) (*transport.Channel, *transport.Channel) {
	t.Helper()

	hostIdentity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}

	satConn, hostConn := net.Pipe()

	type acceptResult struct {
		ch  *transport.Channel
		err error
	}
	done := make(chan acceptResult, 1)
	go func() {
		ch, err := transport.AcceptStream(hostConn, h.HandshakeOptions(hostIdentity))
		done <- acceptResult{ch, err}
	}()

	satCh, err := transport.InitiateStream(satConn, transport.Options{
		Handshake: transport.HandshakeConfig{Identity: satIdentity, OOBNonce: token.Nonce},
	})
	if err != nil {
		t.Fatalf("satellite handshake: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("host handshake: %v", res.err)
	}
	return satCh, res.ch
}

// pairChannel runs the pairing handshake between the satellite identity
// and the host controller, attaching the resulting channel.
func pairChannel(t *testing.T, h *Host, satIdentity *transport.Identity, token *pairing.Token) *transport.Channel {
	t.Helper()

	satCh, hostCh := handshakeChannels(t, h, satIdentity, token)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.AttachChannel(ctx, hostCh); err != nil {
		t.Fatalf("AttachChannel: %v", err)
	}

	t.Cleanup(func() { satCh.Close("test done") })
	return satCh
}

func TestPairingHappyPath(t *testing.T) {
	h, store, _ := newTestHost(t)
	satIdentity, token, encoded := satelliteToken(t)

	id, err := h.AcceptPairingAnswer(encoded)
	if err != nil {
		t.Fatalf("AcceptPairingAnswer: %v", err)
	}
	expectNote(t, h, NoteRequestIdentity)
	record := expectNote(t, h, NoteIdentityRecord)
	if record.SatIdentityID != id {
		t.Errorf("record satIdentityId = %d, want %d", record.SatIdentityID, id)
	}

	device, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != registry.DeviceStatusPending {
		t.Errorf("device status = %s, want pending", device.Status)
	}
	if h.SessionPhase() != session.PhasePairing {
		t.Errorf("phase = %s, want pairing", h.SessionPhase())
	}

	if err := h.ConfirmPairing(id); err != nil {
		t.Fatalf("ConfirmPairing: %v", err)
	}
	expectNote(t, h, NoteIdentityConfirmed)

	device, err = store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != registry.DeviceStatusActive {
		t.Errorf("device status = %s, want active", device.Status)
	}

	pairChannel(t, h, satIdentity, token)
	if h.SessionPhase() != session.PhaseActive {
		t.Errorf("phase = %s, want active", h.SessionPhase())
	}
}

func TestPairingHandshakeRejectsWrongNonce(t *testing.T) {
	h, _, _ := newTestHost(t)
	satIdentity, _, encoded := satelliteToken(t)

	if _, err := h.AcceptPairingAnswer(encoded); err != nil {
		t.Fatal(err)
	}

	hostIdentity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}

	satConn, hostConn := net.Pipe()
	go transport.AcceptStream(hostConn, h.HandshakeOptions(hostIdentity))

	_, err = transport.InitiateStream(satConn, transport.Options{
		Handshake: transport.HandshakeConfig{
			Identity: satIdentity,
			OOBNonce: []byte("not-the-right-one"),
		},
	})
	if !remoteErrors.IsCode(err, remoteErrors.CodeHandshakeReject) {
		t.Errorf("handshake error = %v, want transport.handshake_reject", err)
	}
}

func TestAcceptPairingAnswerRefusesSecondSession(t *testing.T) {
	h, _, _ := newTestHost(t)
	_, _, encoded := satelliteToken(t)

	if _, err := h.AcceptPairingAnswer(encoded); err != nil {
		t.Fatal(err)
	}

	_, _, second := satelliteToken(t)
	if _, err := h.AcceptPairingAnswer(second); !remoteErrors.IsCode(err, remoteErrors.CodeSessionExists) {
		t.Errorf("second pairing error = %v, want session.already_active", err)
	}
}

func TestRejectPairingRemovesPendingDevice(t *testing.T) {
	h, store, _ := newTestHost(t)
	_, _, encoded := satelliteToken(t)

	id, err := h.AcceptPairingAnswer(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.RejectPairing(id); err != nil {
		t.Fatalf("RejectPairing: %v", err)
	}

	if _, err := store.Get(id); err == nil {
		t.Error("pending device row survived rejection")
	}

	// The slot is free again for a new pairing.
	_, _, second := satelliteToken(t)
	if _, err := h.AcceptPairingAnswer(second); err != nil {
		t.Errorf("pairing after reject: %v", err)
	}
}

func TestAttachChannelRequiresConfirmedDevice(t *testing.T) {
	h, _, _ := newTestHost(t)
	satIdentity, token, encoded := satelliteToken(t)

	id, err := h.AcceptPairingAnswer(encoded)
	if err != nil {
		t.Fatal(err)
	}

	// Token possession carries the handshake, but the host user has not
	// approved the device yet.
	_, hostCh := handshakeChannels(t, h, satIdentity, token)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.AttachChannel(ctx, hostCh); !remoteErrors.IsCode(err, remoteErrors.CodeAuthFail) {
		t.Fatalf("AttachChannel before confirm = %v, want transport.auth_fail", err)
	}
	if h.SessionPhase() != session.PhasePairing {
		t.Errorf("phase = %s, want pairing", h.SessionPhase())
	}

	if err := h.ConfirmPairing(id); err != nil {
		t.Fatal(err)
	}
	pairChannel(t, h, satIdentity, token)
	if h.SessionPhase() != session.PhaseActive {
		t.Errorf("phase after confirm = %s, want active", h.SessionPhase())
	}
}

// pairedActive drives a full pairing to an active session and returns
// the satellite's channel end.
func pairedActive(t *testing.T) (*Host, *registry.Store, *engine.Loopback, int64, *transport.Channel) {
	t.Helper()

	h, store, eng := newTestHost(t)
	satIdentity, token, encoded := satelliteToken(t)

	id, err := h.AcceptPairingAnswer(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.ConfirmPairing(id); err != nil {
		t.Fatal(err)
	}
	satCh := pairChannel(t, h, satIdentity, token)
	return h, store, eng, id, satCh
}

func drainNotes(h *Host) {
	for {
		select {
		case <-h.Notifications():
		default:
			return
		}
	}
}

func TestTakeoverAndResume(t *testing.T) {
	h, _, eng, id, satCh := pairedActive(t)
	drainNotes(h)

	// Drain the satellite end from a goroutine; Resume's attach flush
	// sends synchronously.
	frames := make(chan transport.Frame, 16)
	go func() {
		for f := range satCh.Frames() {
			frames <- f
		}
	}()

	if err := h.Takeover(); err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if h.SessionPhase() != session.PhaseSuspended {
		t.Errorf("phase after takeover = %s", h.SessionPhase())
	}
	note := expectNote(t, h, NoteTookOver)
	if note.SatIdentityID != id {
		t.Errorf("satTookOver id = %d, want %d", note.SatIdentityID, id)
	}

	// The satellite sees the takeover as an event on the live channel.
	select {
	case f := <-frames:
		var ev Notification
		if err := json.Unmarshal(f.Resp, &ev); err != nil || ev.Type != NoteTookOver {
			t.Errorf("satellite saw %s", f.Resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("satellite never saw satTookOver")
	}

	// Events emitted during the takeover buffer on the host.
	eng.Emit(json.RawMessage(`{"type":"newChatItem","n":1}`))
	deadline := time.Now().Add(2 * time.Second)
	for h.sess.BufferedEvents() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("event never buffered during takeover")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.SessionPhase() != session.PhaseActive {
		t.Errorf("phase after resume = %s", h.SessionPhase())
	}
	expectNote(t, h, NoteResumed)

	// The buffered backlog arrives first, then the resume signal.
	wantOrder := []string{"newChatItem", NoteResumed}
	for _, want := range wantOrder {
		select {
		case f := <-frames:
			var ev struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(f.Resp, &ev); err != nil || ev.Type != want {
				t.Errorf("satellite saw %s, want %s", f.Resp, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("satellite never saw %s", want)
		}
	}
}

func TestDeregisterRevokesDevice(t *testing.T) {
	h, store, _, id, _ := pairedActive(t)
	drainNotes(h)

	if err := h.Deregister(id); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	expectNote(t, h, NoteIdentityDisposed)

	device, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != registry.DeviceStatusRevoked {
		t.Errorf("device status = %s, want revoked", device.Status)
	}

	// A fresh handshake from the same satellite key now fails.
	if _, err := store.Authenticate(device.DevicePublicKey, nil); !remoteErrors.IsCode(err, remoteErrors.CodeDeviceRevoked) {
		t.Errorf("Authenticate error = %v, want device.revoked", err)
	}
}

func TestDisposeKeepsActiveDeviceRow(t *testing.T) {
	h, store, _, id, _ := pairedActive(t)
	drainNotes(h)

	if err := h.Dispose(id); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	device, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != registry.DeviceStatusActive {
		t.Errorf("device status = %s, dispose must not revoke", device.Status)
	}

	// Idempotent: disposing again succeeds.
	if err := h.Dispose(id); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
}

func TestDeregisterReturnsWithUndrainedSatellite(t *testing.T) {
	h, _, _, id, _ := pairedActive(t)
	drainNotes(h)

	// Nothing ever drains the satellite end's frames. Deregister still
	// has to return promptly; a stalled satellite must not hold the
	// chat-store lock hostage through the farewell write.
	done := make(chan error, 1)
	go func() { done <- h.Deregister(id) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Deregister: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Deregister blocked on an undrained satellite")
	}

	if h.SessionPhase() != session.PhaseDisposed {
		t.Errorf("phase = %s, want disposed", h.SessionPhase())
	}
}

// channelPair builds a connected channel pair with no pairing or
// registry checks, for driving the satellite controller directly.
func channelPair(t *testing.T) (*transport.Channel, *transport.Channel) {
	t.Helper()

	satIdentity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	hostIdentity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}

	satConn, hostConn := net.Pipe()

	type acceptResult struct {
		ch  *transport.Channel
		err error
	}
	done := make(chan acceptResult, 1)
	go func() {
		ch, err := transport.AcceptStream(hostConn, transport.Options{
			Handshake: transport.HandshakeConfig{Identity: hostIdentity},
		})
		done <- acceptResult{ch, err}
	}()

	satCh, err := transport.InitiateStream(satConn, transport.Options{
		Handshake: transport.HandshakeConfig{Identity: satIdentity},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	t.Cleanup(func() { satCh.Close("test done") })
	return satCh, res.ch
}

func TestSatelliteSuspendsOnTakeoverAndFlushesOnResume(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	sat, err := NewSatellite(SatelliteConfig{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}

	satCh, hostCh := channelPair(t)
	if err := sat.sess.BeginPairing(); err != nil {
		t.Fatal(err)
	}
	if err := sat.sess.Attach(satCh); err != nil {
		t.Fatal(err)
	}
	sat.onAttached(satCh)
	if err := sat.cmds.Attach(satCh); err != nil {
		t.Fatal(err)
	}

	if !sat.controlEvent(json.RawMessage(`{"type":"satTookOver"}`)) {
		t.Fatal("satTookOver was not consumed")
	}
	if sat.Phase() != session.PhaseSuspended {
		t.Errorf("phase after takeover = %s, want suspended", sat.Phase())
	}

	// Commands issued while the host holds the foreground queue instead
	// of flowing.
	go sat.Submit(context.Background(), json.RawMessage(`{"type":"apiSendMessage"}`))
	deadline := time.Now().Add(2 * time.Second)
	for sat.cmds.QueuedCommands() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never queued during takeover")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case f := <-hostCh.Frames():
		t.Fatalf("host saw %s frame during takeover", f.K)
	case <-time.After(100 * time.Millisecond):
	}

	if !sat.controlEvent(json.RawMessage(`{"type":"satResumed"}`)) {
		t.Fatal("satResumed was not consumed")
	}
	if sat.Phase() != session.PhaseActive {
		t.Errorf("phase after resume = %s, want active", sat.Phase())
	}

	// The queued command flushes once the host resumes.
	select {
	case f := <-hostCh.Frames():
		if f.K != transport.KindCmd {
			t.Errorf("host saw %s frame, want cmd", f.K)
		}
		sat.cmds.HandleFrame(transport.NewReplyFrame(f.ID, json.RawMessage(`{"type":"ack"}`)))
	case <-time.After(2 * time.Second):
		t.Fatal("queued command never flushed after resume")
	}
}
