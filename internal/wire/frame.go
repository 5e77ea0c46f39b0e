package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Conn frames PG v3 messages over a net.Conn. Reads are buffered so a
// partial message never loses bytes across calls (bufio.Reader keeps
// the unconsumed tail); writes go straight to the socket and are
// all-or-nothing per message, matching spec.md section 4.1's framing
// contract. Grounded on the teacher's readMessage/writeMessage
// (postgres/postgres.go), generalized to be cancellable via context
// instead of blocking forever on conn.Read.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
}

// NewConn wraps an established net.Conn for PG v3 framing.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReaderSize(nc, 16*1024)}
}

// Raw returns the underlying net.Conn, e.g. to toggle TLS or close it.
func (c *Conn) Raw() net.Conn { return c.nc }

// Rewrap swaps in a new net.Conn and a fresh bufio.Reader over it, used
// after a TLS handshake replaces the underlying net.Conn.
func (c *Conn) Rewrap(nc net.Conn) {
	c.nc = nc
	c.r = bufio.NewReaderSize(nc, 16*1024)
}

// ReadStartup reads the length-prefixed, tag-less startup packet:
// int32 length (includes itself) + payload. Used for the initial
// StartupMessage, SSLRequest, GSSENCRequest and CancelRequest, all of
// which share this framing.
func (c *Conn) ReadStartup(ctx context.Context) ([]byte, error) {
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || int64(length) > MaxMessageSize {
		return nil, fmt.Errorf("wire: invalid startup length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Message is one tagged frontend or backend frame.
type Message struct {
	Type    byte
	Payload []byte
}

// ReadMessage reads one tagged frame: byte tag + int32 length (incl.
// itself) + payload. The read is cancellable at this message boundary
// via ctx; once a tag byte has been consumed the rest of the frame is
// read to completion (a peer that starts a frame and stalls mid-frame
// still hits ctx's deadline on the next read syscall).
func (c *Conn) ReadMessage(ctx context.Context) (Message, error) {
	if err := c.applyDeadline(ctx); err != nil {
		return Message{}, err
	}
	tag, err := c.r.ReadByte()
	if err != nil {
		return Message{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || int64(length) > MaxMessageSize {
		return Message{}, Protocol("invalid message length %d for tag %q", length, tag)
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: tag, Payload: payload}, nil
}

// WriteMessage writes one tagged frame atomically: a single conn.Write
// call carries the whole tag+length+payload, so the write is
// all-or-nothing from the peer's perspective.
func (c *Conn) WriteMessage(tag byte, payload []byte) error {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := c.nc.Write(buf)
	return err
}

// WriteRaw writes a tag-less frame (used only for the startup-phase
// 'N'/'S' SSL negotiation byte, which has no length prefix at all).
func (c *Conn) WriteRaw(b []byte) error {
	_, err := c.nc.Write(b)
	return err
}

func (c *Conn) applyDeadline(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		return c.nc.SetReadDeadline(dl)
	}
	return c.nc.SetReadDeadline(time.Time{})
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Protocol is a tiny local error constructor to avoid importing perr here and
// creating an import cycle (perr has no wire dependency, but keeping
// wire leaf-level avoids future cycles as the error taxonomy grows).
func Protocol(format string, args ...interface{}) error {
	return fmt.Errorf("wire protocol violation: "+format, args...)
}
