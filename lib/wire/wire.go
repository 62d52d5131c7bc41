package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Errors returned by the Decoder. They are wrapped with the name of the value
// that was being read, use errors.Is to test for them.
var (
	ErrUnexpectedEOF = errors.New("unexpected end of buffer")
	ErrOverflow      = errors.New("varint overflows 64 bits")
	ErrNonCanonical  = errors.New("varint is not minimally encoded")
	ErrInvalidString = errors.New("string is not valid utf-8")
)

// maxVarUintLen is the maximum number of bytes a 64 bit varint occupies
const maxVarUintLen = 10

// IsFramingError reports whether err was produced by the Decoder
func IsFramingError(err error) bool {
	return errors.Is(err, ErrUnexpectedEOF) ||
		errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrNonCanonical) ||
		errors.Is(err, ErrInvalidString)
}

// --------------------------------------------------------------------------
// Encoder
// --------------------------------------------------------------------------

// Encoder appends values to a growing byte buffer
type Encoder struct {
	buf []byte
}

// NewEncoder creates an empty encoder
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// WriteUint8 appends a single raw byte
func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteVarUint appends v as an unsigned varint
func (e *Encoder) WriteVarUint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// WriteVarUint8Array appends the length of b as varint followed by b
func (e *Encoder) WriteVarUint8Array(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends the utf-8 bytes of s with a varint length prefix
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends b without a length prefix
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Len returns the number of bytes written so far
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded buffer. The slice is owned by the encoder until
// no more values are written.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// --------------------------------------------------------------------------
// Decoder
// --------------------------------------------------------------------------

// Decoder reads values from a byte buffer, advancing a cursor
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder reading from b
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// HasContent reports whether unread bytes remain
func (d *Decoder) HasContent() bool {
	return d.pos < len(d.buf)
}

// Pos returns the current cursor position
func (d *Decoder) Pos() int {
	return d.pos
}

// ReadUint8 reads a single raw byte
func (d *Decoder) ReadUint8() (uint8, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("data too short for uint8: %w", ErrUnexpectedEOF)
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// ReadVarUint reads an unsigned varint
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint

	for i := 0; ; i++ {
		if d.pos >= len(d.buf) {
			return 0, fmt.Errorf("data too short for varint: %w", ErrUnexpectedEOF)
		}
		if i == maxVarUintLen {
			return 0, fmt.Errorf("varint longer than %d bytes: %w", maxVarUintLen, ErrOverflow)
		}

		b := d.buf[d.pos]
		d.pos++

		// the tenth byte may only carry the single remaining bit
		if i == maxVarUintLen-1 && b > 1 {
			return 0, fmt.Errorf("varint byte %d is 0x%02x: %w", i, b, ErrOverflow)
		}

		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			if b == 0 && i > 0 {
				return 0, fmt.Errorf("varint has trailing zero group: %w", ErrNonCanonical)
			}
			return v, nil
		}
		shift += 7
	}
}

// ReadVarUint8Array reads a varint length followed by that many bytes. The
// returned slice aliases the decoder's buffer.
func (d *Decoder) ReadVarUint8Array() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer length: %w", err)
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("data too short for buffer of %d bytes (%d left): %w", n, len(d.buf)-d.pos, ErrUnexpectedEOF)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadVarString reads a length prefixed utf-8 string
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarUint8Array()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("failed to read string: %w", ErrInvalidString)
	}
	return string(b), nil
}

// ReadTail returns all unread bytes and moves the cursor to the end
func (d *Decoder) ReadTail() []byte {
	b := d.buf[d.pos:]
	d.pos = len(d.buf)
	return b
}
