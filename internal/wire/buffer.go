package wire

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a reusable byte-accumulating writer/reader for building
// and parsing one message payload at a time. Grounded on the pack's
// pgwire.Buffer shape (riftdata-rift), adapted to this proxy's naming
// and to the subset of field widths the PG v3 messages use.
type Buffer struct {
	buf []byte
	pos int
}

// NewBuffer creates an empty buffer with the given starting capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// NewBufferFrom wraps existing bytes for reading.
func NewBufferFrom(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Bytes returns the accumulated contents.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of bytes written (or total bytes to read from).
func (b *Buffer) Len() int { return len(b.buf) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.buf) - b.pos }

func (b *Buffer) WriteByte(v byte) { b.buf = append(b.buf, v) }

func (b *Buffer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) WriteInt32(v int32) { b.WriteUint32(uint32(v)) }

func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) WriteBytes(v []byte) { b.buf = append(b.buf, v...) }

// WriteString appends s followed by a null terminator, the format PG
// uses for every variable-length string field.
func (b *Buffer) WriteString(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

func (b *Buffer) ReadByte() (byte, error) {
	if b.pos >= len(b.buf) {
		return 0, fmt.Errorf("wire: read byte past end of buffer")
	}
	v := b.buf[b.pos]
	b.pos++
	return v, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	if b.pos+2 > len(b.buf) {
		return 0, fmt.Errorf("wire: read uint16 past end of buffer")
	}
	v := binary.BigEndian.Uint16(b.buf[b.pos : b.pos+2])
	b.pos += 2
	return v, nil
}

func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.pos+4 > len(b.buf) {
		return 0, fmt.Errorf("wire: read uint32 past end of buffer")
	}
	v := binary.BigEndian.Uint32(b.buf[b.pos : b.pos+4])
	b.pos += 4
	return v, nil
}

// ReadBytes reads n raw bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || b.pos+n > len(b.buf) {
		return nil, fmt.Errorf("wire: read %d bytes past end of buffer", n)
	}
	v := b.buf[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// ReadString reads up to and consuming a null terminator.
func (b *Buffer) ReadString() (string, error) {
	start := b.pos
	for b.pos < len(b.buf) {
		if b.buf[b.pos] == 0 {
			s := string(b.buf[start:b.pos])
			b.pos++
			return s, nil
		}
		b.pos++
	}
	return "", fmt.Errorf("wire: unterminated string")
}
