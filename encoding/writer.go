// Package encoding implements the buffered binary framing used by tqdb
// record serialization.
//
// All multi-byte integers are encoded in little-endian format. Strings are
// encoded as a u16 length prefix followed by the UTF-8 bytes; the empty
// string encodes as 0x0000. Floats are encoded as their IEEE-754 bit
// patterns, little-endian.
//
// Writer and Reader maintain a running CRC-32 over every byte written or
// read (including bytes advanced by Skip), which the database core uses to
// seal file contents. Both use a sticky error model: after the first
// failure every subsequent call is a no-op and Err reports the failure.
// This keeps record callbacks free of per-field error plumbing.
//
// The package is public because user trait callbacks receive *Writer and
// *Reader.
package encoding

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/acvigue/tqdb/internal/checksum"
)

// DefaultMaxStringLen is the default cap on decoded string length.
const DefaultMaxStringLen = 4096

// defaultBufSize is used when no scratch buffer is supplied.
const defaultBufSize = 512

var (
	// ErrStringTooLong is returned when a decoded string length exceeds
	// the configured cap.
	ErrStringTooLong = errors.New("encoding: string exceeds maximum length")

	// ErrShortRead is returned when the input ends mid-value.
	ErrShortRead = errors.New("encoding: unexpected end of input")
)

// Writer writes binary values to an underlying writer through a caller
// supplied scratch buffer, accumulating a running CRC-32 over everything
// written.
type Writer struct {
	dst io.Writer
	buf []byte
	n   int
	crc uint32
	err error
}

// NewWriter creates a Writer over dst buffering through buf.
// If buf is empty a small internal buffer is allocated.
func NewWriter(dst io.Writer, buf []byte) *Writer {
	if len(buf) == 0 {
		buf = make([]byte, defaultBufSize)
	}
	return &Writer{dst: dst, buf: buf, crc: checksum.CRC32Init}
}

// WriteRaw writes p byte-for-byte.
//
// Writes larger than the scratch buffer bypass it and go straight through
// to the destination.
func (w *Writer) WriteRaw(p []byte) {
	if w.err != nil || len(p) == 0 {
		return
	}
	w.crc = checksum.CRC32Update(w.crc, p)

	if len(p) <= len(w.buf)-w.n {
		copy(w.buf[w.n:], p)
		w.n += len(p)
		return
	}

	w.flushBuf()
	if w.err != nil {
		return
	}

	if len(p) >= len(w.buf) {
		if _, err := w.dst.Write(p); err != nil {
			w.err = err
		}
		return
	}

	copy(w.buf, p)
	w.n = len(p)
}

// WriteU8 writes a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.WriteRaw([]byte{v})
}

// WriteU16 writes a little-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.WriteRaw(b[:])
}

// WriteU32 writes a little-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.WriteRaw(b[:])
}

// WriteU64 writes a little-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.WriteRaw(b[:])
}

// WriteI32 writes a little-endian int32.
func (w *Writer) WriteI32(v int32) {
	w.WriteU32(uint32(v))
}

// WriteI64 writes a little-endian int64.
func (w *Writer) WriteI64(v int64) {
	w.WriteU64(uint64(v))
}

// WriteF32 writes a little-endian IEEE-754 float32.
func (w *Writer) WriteF32(v float32) {
	w.WriteU32(math.Float32bits(v))
}

// WriteF64 writes a little-endian IEEE-754 float64.
func (w *Writer) WriteF64(v float64) {
	w.WriteU64(math.Float64bits(v))
}

// WriteBool writes a boolean as a single byte (0 or 1).
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

// WriteString writes a u16 length prefix followed by the string bytes.
// Strings longer than 65535 bytes are truncated to that length.
func (w *Writer) WriteString(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.WriteU16(uint16(len(s)))
	if len(s) > 0 {
		w.WriteRaw([]byte(s))
	}
}

// Flush drains the scratch buffer to the destination and returns the
// sticky error, if any.
func (w *Writer) Flush() error {
	w.flushBuf()
	return w.err
}

func (w *Writer) flushBuf() {
	if w.err != nil || w.n == 0 {
		return
	}
	if _, err := w.dst.Write(w.buf[:w.n]); err != nil {
		w.err = err
	}
	w.n = 0
}

// Err returns the sticky error, if any.
func (w *Writer) Err() error {
	return w.err
}

// Sum32 returns the finalized CRC-32 over everything written so far.
func (w *Writer) Sum32() uint32 {
	return checksum.CRC32Finalize(w.crc)
}
