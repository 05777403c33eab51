package transport

// channel.go wraps a secure connection in read/keepalive pumps and a
// frame API. A channel is single-use: once it fails or closes, the
// owner establishes a fresh one (with a fresh handshake) and carries
// session state over at a higher layer.

import (
	"log"
	"net"
	"sync"
	"time"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

const (
	// DefaultKeepalive is the ping interval when none is configured.
	DefaultKeepalive = 20 * time.Second

	// DefaultMissedLimit is how many keepalive intervals may pass
	// without inbound traffic before the channel is declared broken.
	DefaultMissedLimit = 3

	// frameBuffer is how many inbound frames may queue for the consumer
	// before the stall clock starts.
	frameBuffer = 64

	// byeTimeout caps the farewell write in Close. A peer that stopped
	// reading must not park the closer.
	byeTimeout = 2 * time.Second
)

// ChannelConfig tunes a channel's liveness behavior.
type ChannelConfig struct {
	// Keepalive is the ping interval. Default: DefaultKeepalive.
	Keepalive time.Duration

	// MissedLimit is the number of silent intervals tolerated before
	// the channel breaks. Default: DefaultMissedLimit.
	MissedLimit int
}

func (c *ChannelConfig) applyDefaults() {
	if c.Keepalive <= 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.MissedLimit <= 0 {
		c.MissedLimit = DefaultMissedLimit
	}
}

// Channel is an established secure duplex channel. Application frames
// arrive on Frames; keepalive and bye frames are handled internally.
type Channel struct {
	sc           *secureConn
	peerIdentity []byte

	cfg ChannelConfig

	// writeMu serializes writes from Send, the keepalive pump and the
	// read pump's pong replies.
	writeMu sync.Mutex

	frames chan Frame
	done   chan struct{}

	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// newChannel starts the pumps over an authenticated secure connection.
func newChannel(sc *secureConn, peerIdentity []byte, cfg ChannelConfig) *Channel {
	cfg.applyDefaults()

	ch := &Channel{
		sc:           sc,
		peerIdentity: append([]byte(nil), peerIdentity...),
		cfg:          cfg,
		frames:       make(chan Frame, frameBuffer),
		done:         make(chan struct{}),
	}
	go ch.readPump()
	go ch.keepalivePump()
	return ch
}

// PeerIdentity returns the peer's authenticated Ed25519 identity key.
func (ch *Channel) PeerIdentity() []byte {
	return ch.peerIdentity
}

// Frames delivers incoming cmd, reply and event frames. The channel is
// closed when the connection fails or closes; Err then reports why.
func (ch *Channel) Frames() <-chan Frame {
	return ch.frames
}

// Err returns the terminal error after Frames closes. A clean shutdown
// reports transport.closed.
func (ch *Channel) Err() error {
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	return ch.err
}

// liveness is the window within which the peer must make progress:
// the read deadline, the write deadline and the consumer stall limit.
func (ch *Channel) liveness() time.Duration {
	return time.Duration(ch.cfg.MissedLimit) * ch.cfg.Keepalive
}

// write serializes one frame write under a liveness deadline, so a
// peer that stopped reading breaks the channel instead of parking the
// writer. A write timeout is reported as transport.broken.
func (ch *Channel) write(f Frame) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	ch.sc.conn.SetWriteDeadline(time.Now().Add(ch.liveness()))
	if err := ch.sc.writeFrame(f); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return remoteErrors.ChannelBroken()
		}
		return err
	}
	return nil
}

// Send encrypts and writes one frame.
func (ch *Channel) Send(f Frame) error {
	select {
	case <-ch.done:
		if err := ch.Err(); err != nil {
			return err
		}
		return remoteErrors.Closed()
	default:
	}

	if err := ch.write(f); err != nil {
		ch.fail(err)
		return err
	}
	return nil
}

// Close sends a bye frame with the given reason and tears the channel
// down. The farewell is best-effort under a short deadline; the
// teardown itself never blocks. Safe to call more than once.
func (ch *Channel) Close(reason string) error {
	ch.writeMu.Lock()
	ch.sc.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
	ch.sc.writeFrame(NewByeFrame(reason))
	ch.writeMu.Unlock()

	ch.fail(remoteErrors.Closed())
	return nil
}

// fail records the terminal error, closes the frame stream and the
// underlying connection. Only the first call wins.
func (ch *Channel) fail(err error) {
	ch.failOnce.Do(func() {
		ch.errMu.Lock()
		ch.err = err
		ch.errMu.Unlock()

		close(ch.done)
		ch.sc.conn.Close()
	})
}

// readPump reads frames until the connection dies. A read deadline of
// MissedLimit keepalive intervals turns peer silence into a broken
// channel.
func (ch *Channel) readPump() {
	defer close(ch.frames)

	for {
		ch.sc.conn.SetReadDeadline(time.Now().Add(ch.liveness()))

		frame, err := ch.sc.readFrame()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Printf("transport: no traffic for %d keepalive intervals, channel broken", ch.cfg.MissedLimit)
				ch.fail(remoteErrors.ChannelBroken())
			} else {
				ch.fail(err)
			}
			return
		}

		switch frame.K {
		case KindPing:
			if err := ch.write(Frame{K: KindPong}); err != nil {
				ch.fail(err)
				return
			}
		case KindPong:
			// Any inbound record already reset the read deadline.
		case KindBye:
			log.Printf("transport: peer closed channel: %s", frame.Reason)
			ch.fail(remoteErrors.Closed())
			return
		default:
			if !ch.deliver(frame) {
				return
			}
		}
	}
}

// deliver hands one frame to the consumer. With the buffer full it
// waits one liveness window, then declares the channel broken: a
// stalled consumer must not park this socket and, through it, the
// peer's writers. Returns false when the pump should stop.
func (ch *Channel) deliver(frame Frame) bool {
	select {
	case ch.frames <- frame:
		return true
	case <-ch.done:
		return false
	default:
	}

	stall := time.NewTimer(ch.liveness())
	defer stall.Stop()

	select {
	case ch.frames <- frame:
		return true
	case <-ch.done:
		return false
	case <-stall.C:
		log.Printf("transport: frame consumer stalled, channel broken")
		ch.fail(remoteErrors.ChannelBroken())
		return false
	}
}

// keepalivePump sends a ping every keepalive interval so an idle but
// healthy channel never trips the peer's read deadline.
func (ch *Channel) keepalivePump() {
	ticker := time.NewTicker(ch.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			if err := ch.write(Frame{K: KindPing}); err != nil {
				ch.fail(err)
				return
			}
		}
	}
}
