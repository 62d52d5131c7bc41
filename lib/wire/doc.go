// Package wire provides the variable-length integer and byte-buffer primitives
// used to frame every message exchanged between peers.
//
// Unsigned integers are written 7 bits per byte, least significant group first,
// with the high bit of each byte signalling that another byte follows. Byte
// buffers and strings are written as their varint length followed by the raw
// bytes.
//
// The Decoder is strict: reading past the end of the buffer fails with
// ErrUnexpectedEOF, integers that do not fit into 64 bits fail with ErrOverflow
// and integers with redundant trailing zero groups fail with ErrNonCanonical.
// This keeps encode(decode(b)) == b for every input the Decoder accepts, so a
// peer cannot desynchronise the framing with a short or padded payload.
//
// Example:
//
//	enc := wire.NewEncoder()
//	enc.WriteVarUint(0)
//	enc.WriteVarUint8Array(payload)
//
//	dec := wire.NewDecoder(enc.Bytes())
//	kind, err := dec.ReadVarUint()
package wire
