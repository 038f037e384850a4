// Package compression provides the codecs used by tqdb snapshot files.
//
// A snapshot stores the compressed image of the main database file with a
// 1-byte codec indicator in the snapshot header. The database file itself
// is never compressed.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm. The values are embedded in the
// snapshot format and must not change.
type Type uint8

const (
	// None stores the payload uncompressed.
	None Type = 0

	// Snappy uses Google Snappy block compression.
	Snappy Type = 1

	// LZ4 uses the LZ4 frame format.
	LZ4 Type = 2

	// Zstd uses Zstandard compression.
	Zstd Type = 3
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Snappy:
		return "Snappy"
	case LZ4:
		return "LZ4"
	case Zstd:
		return "ZSTD"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsSupported returns true if the compression type is known.
func (t Type) IsSupported() bool {
	return t <= Zstd
}

// Compress returns data compressed with the given codec.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("compression: lz4 write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compression: lz4 close: %w", err)
		}
		return buf.Bytes(), nil

	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("compression: zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// Decompress returns data decompressed with the given codec.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("compression: snappy decode: %w", err)
		}
		return out, nil

	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("compression: lz4 decode: %w", err)
		}
		return out, nil

	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("compression: zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("compression: zstd decode: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}
