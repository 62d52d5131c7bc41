package wire

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 16383, 16384, 1 << 32, math.MaxUint32, math.MaxUint64 - 1, math.MaxUint64}

	for _, v := range values {
		enc := NewEncoder()
		enc.WriteVarUint(v)

		dec := NewDecoder(enc.Bytes())
		got, err := dec.ReadVarUint()
		if err != nil {
			t.Fatalf("ReadVarUint(%d) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("Expected %d, got %d", v, got)
		}
		if dec.HasContent() {
			t.Errorf("Decoder for %d has unread bytes", v)
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	tests := map[uint64][]byte{
		0:   {0x00},
		1:   {0x01},
		127: {0x7f},
		128: {0x80, 0x01},
		300: {0xac, 0x02},
	}

	for v, expected := range tests {
		enc := NewEncoder()
		enc.WriteVarUint(v)
		if !bytes.Equal(enc.Bytes(), expected) {
			t.Errorf("Encoding of %d: expected %x, got %x", v, expected, enc.Bytes())
		}
	}
}

func TestByteArrayRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		[]byte("hello world"),
		bytes.Repeat([]byte{0xff}, 300),
	}

	for _, in := range inputs {
		enc := NewEncoder()
		enc.WriteVarUint8Array(in)

		// encode(decode(bytes)) == bytes
		dec := NewDecoder(enc.Bytes())
		out, err := dec.ReadVarUint8Array()
		if err != nil {
			t.Fatalf("ReadVarUint8Array failed: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("Expected %x, got %x", in, out)
		}

		reenc := NewEncoder()
		reenc.WriteVarUint8Array(out)
		if !bytes.Equal(reenc.Bytes(), enc.Bytes()) {
			t.Errorf("Re-encoding differs: %x vs %x", reenc.Bytes(), enc.Bytes())
		}
	}
}

func TestMixedFrame(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarString("room/ä")
	enc.WriteUint8(7)
	enc.WriteVarUint8Array([]byte{1, 2, 3})

	dec := NewDecoder(enc.Bytes())
	if v, err := dec.ReadVarUint(); err != nil || v != 1 {
		t.Fatalf("Expected 1, got %d (%v)", v, err)
	}
	if s, err := dec.ReadVarString(); err != nil || s != "room/ä" {
		t.Fatalf("Expected room/ä, got %q (%v)", s, err)
	}
	if b, err := dec.ReadUint8(); err != nil || b != 7 {
		t.Fatalf("Expected 7, got %d (%v)", b, err)
	}
	if b, err := dec.ReadVarUint8Array(); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("Expected [1 2 3], got %v (%v)", b, err)
	}
	if dec.HasContent() {
		t.Errorf("Decoder should be exhausted")
	}
}

func TestTruncatedInput(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint(2)
	enc.WriteVarUint8Array([]byte("some payload"))
	full := enc.Bytes()

	// every strict prefix of a well formed frame must fail with a framing error
	for i := 0; i < len(full); i++ {
		dec := NewDecoder(full[:i])
		_, err := dec.ReadVarUint()
		if err == nil {
			_, err = dec.ReadVarUint8Array()
		}
		if err == nil {
			t.Fatalf("Prefix of length %d decoded without error", i)
		}
		if !errors.Is(err, ErrUnexpectedEOF) {
			t.Errorf("Prefix of length %d: expected ErrUnexpectedEOF, got %v", i, err)
		}
		if !IsFramingError(err) {
			t.Errorf("Prefix of length %d: error not classified as framing error", i)
		}
	}
}

func TestContinuationWithoutEnd(t *testing.T) {
	dec := NewDecoder([]byte{0x80, 0x80})
	if _, err := dec.ReadVarUint(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestOverflow(t *testing.T) {
	// eleven bytes
	in := append(bytes.Repeat([]byte{0xff}, 10), 0x01)
	if _, err := NewDecoder(in).ReadVarUint(); !errors.Is(err, ErrOverflow) {
		t.Errorf("Expected ErrOverflow, got %v", err)
	}

	// tenth byte carries more than one bit
	in = append(bytes.Repeat([]byte{0xff}, 9), 0x02)
	if _, err := NewDecoder(in).ReadVarUint(); !errors.Is(err, ErrOverflow) {
		t.Errorf("Expected ErrOverflow, got %v", err)
	}
}

func TestNonCanonical(t *testing.T) {
	for _, in := range [][]byte{{0x80, 0x00}, {0x81, 0x80, 0x00}} {
		if _, err := NewDecoder(in).ReadVarUint(); !errors.Is(err, ErrNonCanonical) {
			t.Errorf("Input %x: expected ErrNonCanonical, got %v", in, err)
		}
	}
}

func TestBufferLengthExceedsInput(t *testing.T) {
	// claims 1000 bytes, carries 2
	enc := NewEncoder()
	enc.WriteVarUint(1000)
	enc.WriteRaw([]byte{1, 2})

	if _, err := NewDecoder(enc.Bytes()).ReadVarUint8Array(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestInvalidString(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarUint8Array([]byte{0xff, 0xfe})

	if _, err := NewDecoder(enc.Bytes()).ReadVarString(); !errors.Is(err, ErrInvalidString) {
		t.Errorf("Expected ErrInvalidString, got %v", err)
	}
}
