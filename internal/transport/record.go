package transport

// record.go is the AEAD record layer. Every record after the handshake
// is an 8-byte big-endian sequence number followed by a
// ChaCha20-Poly1305 ciphertext. Each direction has its own key and its
// own counter starting at zero; the counter doubles as the AEAD nonce
// (zero-padded) and as associated data, so a record replayed, reordered
// or spliced from the other direction fails authentication.

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

const (
	// seqSize is the length of the sequence prefix inside each record.
	seqSize = 8

	// hkdfInfoInitiator labels the sending key of the side that dialed.
	hkdfInfoInitiator = "rp1 initiator"

	// hkdfInfoResponder labels the sending key of the side that accepted.
	hkdfInfoResponder = "rp1 responder"
)

// recordConn moves opaque records over some outer transport. The two
// implementations are the length-prefixed TCP stream and the pinned
// TLS WebSocket.
type recordConn interface {
	// ReadRecord reads the next complete record.
	ReadRecord() ([]byte, error)

	// WriteRecord writes one complete record.
	WriteRecord(data []byte) error

	// Close tears down the outer transport.
	Close() error

	// SetReadDeadline bounds the next ReadRecord.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline bounds the next WriteRecord.
	SetWriteDeadline(t time.Time) error
}

// directionState is one half of the record layer: an AEAD key and a
// strictly monotonic counter.
type directionState struct {
	aead cipher.AEAD
	seq  uint64
}

// secureConn is the encrypted record layer over an outer recordConn.
// Reads and writes must each be externally serialized; the channel's
// read loop and write lock take care of that.
type secureConn struct {
	conn  recordConn
	send  directionState
	recv  directionState
	limit int
}

// deriveDirectionKeys expands the X25519 shared secret into the two
// direction keys. Both sides call this with the same arguments and
// pick their send/recv halves by role.
func deriveDirectionKeys(secret, initNonce, respNonce []byte) (initiatorKey, responderKey []byte, err error) {
	salt := append(append([]byte(nil), initNonce...), respNonce...)

	initiatorKey = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfoInitiator)), initiatorKey); err != nil {
		return nil, nil, remoteErrors.Internal("derive initiator key", err)
	}

	responderKey = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfoResponder)), responderKey); err != nil {
		return nil, nil, remoteErrors.Internal("derive responder key", err)
	}

	return initiatorKey, responderKey, nil
}

// newSecureConn wraps an outer connection with the record layer.
// sendKey encrypts our records, recvKey decrypts the peer's.
func newSecureConn(conn recordConn, sendKey, recvKey []byte, limit int) (*secureConn, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, remoteErrors.Internal("init send cipher", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, remoteErrors.Internal("init recv cipher", err)
	}

	return &secureConn{
		conn:  conn,
		send:  directionState{aead: sendAEAD},
		recv:  directionState{aead: recvAEAD},
		limit: limit,
	}, nil
}

// seqNonce builds the AEAD nonce for a sequence number: four zero bytes
// followed by the big-endian counter.
func seqNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// writeRecord encrypts a plaintext record and sends it.
func (sc *secureConn) writeRecord(plaintext []byte) error {
	if len(plaintext) > sc.limit {
		return remoteErrors.FrameTooLarge(len(plaintext), sc.limit)
	}

	seq := sc.send.seq
	sc.send.seq++

	record := make([]byte, seqSize, seqSize+len(plaintext)+sc.send.aead.Overhead())
	binary.BigEndian.PutUint64(record, seq)
	record = sc.send.aead.Seal(record, seqNonce(seq), plaintext, record[:seqSize])

	return sc.conn.WriteRecord(record)
}

// readRecord reads the next record, enforces counter monotonicity and
// decrypts it.
func (sc *secureConn) readRecord() ([]byte, error) {
	record, err := sc.conn.ReadRecord()
	if err != nil {
		return nil, err
	}
	if len(record) < seqSize+sc.recv.aead.Overhead() {
		return nil, remoteErrors.DecodeError(nil)
	}

	seq := binary.BigEndian.Uint64(record[:seqSize])
	if seq < sc.recv.seq {
		return nil, remoteErrors.ReplayDetected(seq, sc.recv.seq)
	}
	if seq > sc.recv.seq {
		// A gap means records were dropped or injected; the outer
		// transport is supposed to be reliable and ordered.
		return nil, remoteErrors.Wrap(remoteErrors.CodeAuthFail, "record sequence gap", nil)
	}
	sc.recv.seq++

	plaintext, err := sc.recv.aead.Open(nil, seqNonce(seq), record[seqSize:], record[:seqSize])
	if err != nil {
		return nil, remoteErrors.AuthFail()
	}
	if len(plaintext) > sc.limit {
		return nil, remoteErrors.FrameTooLarge(len(plaintext), sc.limit)
	}

	return plaintext, nil
}

// writeFrame encodes and encrypts a frame.
func (sc *secureConn) writeFrame(f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return sc.writeRecord(data)
}

// readFrame reads and decodes the next frame.
func (sc *secureConn) readFrame() (Frame, error) {
	data, err := sc.readRecord()
	if err != nil {
		return Frame{}, err
	}
	return decodeFrame(data)
}
