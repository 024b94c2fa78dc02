package base

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"io"
	"net"
	"sync"
	"time"
)

// Frame kinds
const (
	KindRequest       byte = 1
	KindOneWayRequest byte = 2
	KindResponse      byte = 3
)

// HeaderSize is the size of the frame header:
// - 1 byte: kind
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
const HeaderSize = 13

// Frame is a single message on a channel
type Frame struct {
	Kind      byte
	RequestID uint64
	Payload   []byte
}

// FrameConn is a bidirectional channel of frames. Writes are safe for
// concurrent use, reads are done by a single goroutine.
type FrameConn interface {
	WriteFrame(f Frame) error
	ReadFrame() (Frame, error)
	RemoteAddr() string
	Close() error
}

// EncodeHeader writes the header of f into dst (at least HeaderSize bytes)
func EncodeHeader(dst []byte, f Frame) {
	dst[0] = f.Kind
	binary.BigEndian.PutUint64(dst[1:9], f.RequestID)
	binary.BigEndian.PutUint32(dst[9:13], uint32(len(f.Payload)))
}

// EncodeFrame returns header and payload in one buffer (used for message based channels)
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	EncodeHeader(buf, f)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeHeader parses a header and validates kind and length
func DecodeHeader(b []byte, maxSize int) (kind byte, requestID uint64, length int, err error) {
	if len(b) < HeaderSize {
		return 0, 0, 0, &common.ProtocolError{Msg: "frame header truncated", CloseChannel: true}
	}
	kind = b[0]
	if kind != KindRequest && kind != KindOneWayRequest && kind != KindResponse {
		return 0, 0, 0, &common.ProtocolError{Msg: fmt.Sprintf("unknown frame kind %d", kind), CloseChannel: true}
	}
	requestID = binary.BigEndian.Uint64(b[1:9])
	length = int(binary.BigEndian.Uint32(b[9:13]))
	if maxSize > 0 && length > maxSize {
		return kind, requestID, length, &common.MessageTooLargeError{Size: length, Limit: maxSize}
	}
	return kind, requestID, length, nil
}

// DecodeFrame parses a frame from a complete message (used for message based channels)
func DecodeFrame(b []byte, maxSize int) (Frame, error) {
	kind, id, length, err := DecodeHeader(b, maxSize)
	if err != nil {
		return Frame{}, err
	}
	if len(b)-HeaderSize != length {
		return Frame{}, &common.ProtocolError{Msg: fmt.Sprintf("frame length %d does not match message size %d", length, len(b)-HeaderSize), CloseChannel: true}
	}
	return Frame{Kind: kind, RequestID: id, Payload: b[HeaderSize:]}, nil
}

// CheckSize returns a MessageTooLargeError if payload exceeds maxSize (0 = unlimited)
func CheckSize(payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return &common.MessageTooLargeError{Size: len(payload), Limit: maxSize}
	}
	return nil
}

// --------------------------------------------------------------------------
// Stream channel (net.Conn)
// --------------------------------------------------------------------------

// streamConn implements FrameConn on top of a net.Conn
type streamConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	ioTimeout time.Duration
	maxSize   int
	header    [HeaderSize]byte // only used by the reader goroutine
}

// NewStreamConn wraps conn. ioTimeout bounds every write (0 = none),
// maxSize bounds incoming payloads (0 = unlimited).
func NewStreamConn(conn net.Conn, ioTimeout time.Duration, maxSize int) FrameConn {
	return &streamConn{conn: conn, ioTimeout: ioTimeout, maxSize: maxSize}
}

func (c *streamConn) WriteFrame(f Frame) error {
	header := make([]byte, HeaderSize)
	EncodeHeader(header, f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ioTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %v", err)
		}
	}

	b := net.Buffers{header, f.Payload}
	_, err := b.WriteTo(c.conn)
	return err
}

func (c *streamConn) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(c.conn, c.header[:]); err != nil {
		return Frame{}, err
	}
	kind, id, length, err := DecodeHeader(c.header[:], c.maxSize)
	if err != nil {
		return Frame{}, err
	}

	// If no data, return empty slice
	if length == 0 {
		return Frame{Kind: kind, RequestID: id, Payload: []byte{}}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, RequestID: id, Payload: payload}, nil
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}
