package protocol

import (
	"bytes"
	"compress/zlib"
	"io"

	relayerrors "github.com/polysig/relay/errors"
)

// Writer accumulates the bit-exact wire representation of one frame.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated, uncompressed frame body.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(b byte) { w.buf.WriteByte(b) }

// WriteU16 appends a big-endian u16.
func (w *Writer) WriteU16(v uint16) {
	var tmp [2]byte
	putUint16(tmp[:], v)
	w.buf.Write(tmp[:])
}

// WriteU32 appends a big-endian u32.
func (w *Writer) WriteU32(v uint32) {
	var tmp [4]byte
	putUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

// WriteBool appends a one-byte boolean.
func (w *Writer) WriteBool(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// WriteBuffer appends a u16-length-prefixed byte buffer. A buffer longer
// than MaxBufferSize is rejected with a MaxBufferSizeError and nothing is
// written.
func (w *Writer) WriteBuffer(b []byte) error {
	if len(b) > relayerrors.MaxBufferSize {
		return &relayerrors.MaxBufferSizeError{N: len(b)}
	}
	w.WriteU16(uint16(len(b)))
	w.buf.Write(b)
	return nil
}

// WriteFixed appends raw bytes with no length prefix (used for UUIDs and
// other fixed-width fields).
func (w *Writer) WriteFixed(b []byte) { w.buf.Write(b) }

// WritePayload appends an encrypted payload: a u16 declaring the original
// plaintext length, followed by the length-prefixed ciphertext buffer.
func (w *Writer) WritePayload(plaintextLen int, ciphertext []byte) error {
	if plaintextLen > relayerrors.MaxBufferSize {
		return &relayerrors.MaxBufferSizeError{N: plaintextLen}
	}
	w.WriteU16(uint16(plaintextLen))
	return w.WriteBuffer(ciphertext)
}

// Reader consumes a frame body previously produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a decoded frame body for sequential reads.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) require(n int) error {
	if r.Remaining() < n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (byte, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadU16 reads a big-endian u16.
func (r *Reader) ReadU16() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := getUint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadU32 reads a big-endian u32.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := getUint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadBool reads a one-byte boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadBuffer reads a u16-length-prefixed byte buffer, rejecting declared
// lengths beyond MaxBufferSize.
func (r *Reader) ReadBuffer() ([]byte, error) {
	n, err := r.ReadU16()
	if err != nil {
		return nil, err
	}
	if int(n) > relayerrors.MaxBufferSize {
		return nil, &relayerrors.MaxBufferSizeError{N: int(n)}
	}
	if err := r.require(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// ReadFixed reads exactly n raw bytes with no length prefix.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadPayload reads an encrypted payload: the declared plaintext length
// followed by the length-prefixed ciphertext buffer. The plaintext length
// is returned so the caller can right-size its decrypt buffer.
func (r *Reader) ReadPayload() (plaintextLen int, ciphertext []byte, err error) {
	n, err := r.ReadU16()
	if err != nil {
		return 0, nil, err
	}
	if int(n) > relayerrors.MaxBufferSize {
		return 0, nil, &relayerrors.MaxBufferSizeError{N: int(n)}
	}
	ct, err := r.ReadBuffer()
	if err != nil {
		return 0, nil, err
	}
	return int(n), ct, nil
}

// Deflate zlib-compresses a frame body for transmission.
func Deflate(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate.
func Inflate(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
