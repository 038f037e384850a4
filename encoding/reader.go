// reader.go implements the buffered binary reader with running CRC.
package encoding

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/acvigue/tqdb/internal/checksum"
)

// Reader reads binary values from an underlying reader through a caller
// supplied scratch buffer, accumulating a running CRC-32 over everything
// consumed, including bytes advanced by Skip.
type Reader struct {
	src    io.Reader
	buf    []byte
	pos    int
	filled int
	crc    uint32
	err    error
	maxStr int
}

// NewReader creates a Reader over src buffering through buf.
// If buf is empty a small internal buffer is allocated.
func NewReader(src io.Reader, buf []byte) *Reader {
	if len(buf) == 0 {
		buf = make([]byte, defaultBufSize)
	}
	return &Reader{src: src, buf: buf, crc: checksum.CRC32Init, maxStr: DefaultMaxStringLen}
}

// SetMaxStringLen overrides the decoded string length cap.
// Values <= 0 restore the default.
func (r *Reader) SetMaxStringLen(n int) {
	if n <= 0 {
		n = DefaultMaxStringLen
	}
	r.maxStr = n
}

// ReadRaw fills p byte-for-byte.
func (r *Reader) ReadRaw(p []byte) {
	if r.err != nil || len(p) == 0 {
		return
	}
	want := p
	for len(want) > 0 {
		if r.pos < r.filled {
			n := copy(want, r.buf[r.pos:r.filled])
			r.pos += n
			want = want[n:]
			continue
		}
		if !r.fill() {
			return
		}
	}
	r.crc = checksum.CRC32Update(r.crc, p)
}

// fill refills the scratch buffer, setting the sticky error on EOF or
// failure. Returns false when no more bytes are available.
func (r *Reader) fill() bool {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		r.pos, r.filled = 0, n
		return true
	}
	if err == nil || err == io.EOF {
		r.err = ErrShortRead
	} else {
		r.err = err
	}
	return false
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() uint8 {
	var b [1]byte
	r.ReadRaw(b[:])
	return b[0]
}

// ReadU16 reads a little-endian uint16.
func (r *Reader) ReadU16() uint16 {
	var b [2]byte
	r.ReadRaw(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

// ReadU32 reads a little-endian uint32.
func (r *Reader) ReadU32() uint32 {
	var b [4]byte
	r.ReadRaw(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// ReadU64 reads a little-endian uint64.
func (r *Reader) ReadU64() uint64 {
	var b [8]byte
	r.ReadRaw(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// ReadI32 reads a little-endian int32.
func (r *Reader) ReadI32() int32 {
	return int32(r.ReadU32())
}

// ReadI64 reads a little-endian int64.
func (r *Reader) ReadI64() int64 {
	return int64(r.ReadU64())
}

// ReadF32 reads a little-endian IEEE-754 float32.
func (r *Reader) ReadF32() float32 {
	return math.Float32frombits(r.ReadU32())
}

// ReadF64 reads a little-endian IEEE-754 float64.
func (r *Reader) ReadF64() float64 {
	return math.Float64frombits(r.ReadU64())
}

// ReadBool reads a single byte as a boolean.
func (r *Reader) ReadBool() bool {
	return r.ReadU8() != 0
}

// ReadString reads a u16 length prefix and that many bytes.
// A length above the configured cap sets ErrStringTooLong.
func (r *Reader) ReadString() string {
	n := int(r.ReadU16())
	if r.err != nil {
		return ""
	}
	if n > r.maxStr {
		r.err = ErrStringTooLong
		return ""
	}
	if n == 0 {
		return ""
	}
	b := make([]byte, n)
	r.ReadRaw(b)
	if r.err != nil {
		return ""
	}
	return string(b)
}

// Skip advances past n bytes without materializing them.
// Skipped bytes still feed the running CRC.
func (r *Reader) Skip(n int) {
	for n > 0 && r.err == nil {
		if r.pos < r.filled {
			m := min(n, r.filled-r.pos)
			r.crc = checksum.CRC32Update(r.crc, r.buf[r.pos:r.pos+m])
			r.pos += m
			n -= m
			continue
		}
		if !r.fill() {
			return
		}
	}
}

// SkipString advances past one length-prefixed string.
func (r *Reader) SkipString() {
	n := int(r.ReadU16())
	if r.err != nil {
		return
	}
	if n > r.maxStr {
		r.err = ErrStringTooLong
		return
	}
	r.Skip(n)
}

// Err returns the sticky error, if any.
func (r *Reader) Err() error {
	return r.err
}

// Sum32 returns the finalized CRC-32 over everything consumed so far.
func (r *Reader) Sum32() uint32 {
	return checksum.CRC32Finalize(r.crc)
}
