package transport

// endpoints.go is the package surface: run a handshake over an
// established outer connection and hand back a live channel. Dialing,
// listening and TLS pinning stay with the caller so the same code
// serves plain TCP and the WebSocket fallback.

import (
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilchat/remote/internal/config"
)

// handshakeTimeout bounds the whole handshake on a fresh connection.
const handshakeTimeout = 30 * time.Second

// Options bundles the handshake and channel parameters for one
// connection attempt.
type Options struct {
	Handshake HandshakeConfig
	Channel   ChannelConfig
}

func (o *Options) applyDefaults() {
	if o.Handshake.MaxRecordBytes <= 0 {
		o.Handshake.MaxRecordBytes = config.DefaultMaxRecordBytes
	}
}

// handshakeAndStart runs the handshake in the given role and starts
// the channel pumps.
func handshakeAndStart(rc recordConn, opts Options, initiator bool) (*Channel, error) {
	rc.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var (
		sc   *secureConn
		peer []byte
		err  error
	)
	if initiator {
		sc, peer, err = handshakeInitiator(rc, opts.Handshake)
	} else {
		sc, peer, err = handshakeResponder(rc, opts.Handshake)
	}
	if err != nil {
		rc.Close()
		return nil, err
	}

	rc.SetReadDeadline(time.Time{})
	return newChannel(sc, peer, opts.Channel), nil
}

// InitiateStream runs the dialing side of the handshake over a byte
// stream connection.
func InitiateStream(conn net.Conn, opts Options) (*Channel, error) {
	opts.applyDefaults()
	return handshakeAndStart(newStreamConn(conn, opts.Handshake.MaxRecordBytes), opts, true)
}

// AcceptStream runs the accepting side of the handshake over a byte
// stream connection.
func AcceptStream(conn net.Conn, opts Options) (*Channel, error) {
	opts.applyDefaults()
	return handshakeAndStart(newStreamConn(conn, opts.Handshake.MaxRecordBytes), opts, false)
}

// InitiateWebSocket runs the dialing side of the handshake over an
// established WebSocket connection.
func InitiateWebSocket(ws *websocket.Conn, opts Options) (*Channel, error) {
	opts.applyDefaults()
	return handshakeAndStart(newWSConn(ws, opts.Handshake.MaxRecordBytes), opts, true)
}

// AcceptWebSocket runs the accepting side of the handshake over an
// upgraded WebSocket connection.
func AcceptWebSocket(ws *websocket.Conn, opts Options) (*Channel, error) {
	opts.applyDefaults()
	return handshakeAndStart(newWSConn(ws, opts.Handshake.MaxRecordBytes), opts, false)
}
