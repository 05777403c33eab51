package transport

// conn.go implements the two outer transports. Both carry opaque
// records; the record layer above them neither knows nor cares which
// one is underneath.

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// recordOverhead is the headroom the outer transports allow on top of
// the plaintext cap: the sequence prefix plus the AEAD tag.
const recordOverhead = seqSize + 16

// streamConn frames records on a byte stream with a 4-byte big-endian
// length prefix.
type streamConn struct {
	conn  net.Conn
	limit int
}

// newStreamConn wraps a net.Conn. limit is the plaintext record cap;
// the length prefix may exceed it only by the record layer's overhead.
func newStreamConn(conn net.Conn, limit int) *streamConn {
	return &streamConn{conn: conn, limit: limit}
}

func (s *streamConn) ReadRecord() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(s.conn, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint32(lengthBuf[:]))
	if length > s.limit+recordOverhead {
		return nil, remoteErrors.FrameTooLarge(length, s.limit)
	}

	record := make([]byte, length)
	if _, err := io.ReadFull(s.conn, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *streamConn) WriteRecord(data []byte) error {
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))
	if _, err := s.conn.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

func (s *streamConn) Close() error {
	return s.conn.Close()
}

func (s *streamConn) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *streamConn) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// wsConn carries each record as one binary WebSocket message. The
// WebSocket's own framing replaces the length prefix.
type wsConn struct {
	conn  *websocket.Conn
	limit int
}

// newWSConn wraps an upgraded WebSocket connection.
func newWSConn(conn *websocket.Conn, limit int) *wsConn {
	conn.SetReadLimit(int64(limit + recordOverhead))
	return &wsConn{conn: conn, limit: limit}
}

func (w *wsConn) ReadRecord() ([]byte, error) {
	messageType, data, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
			return nil, remoteErrors.FrameTooLarge(w.limit+recordOverhead, w.limit)
		}
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, remoteErrors.DecodeError(nil)
	}
	return data, nil
}

func (w *wsConn) WriteRecord(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsConn) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}
