package checksum

import (
	"hash/crc32"
	"testing"
)

func TestCRC32KnownVectors(t *testing.T) {
	tests := []struct {
		input string
		want  uint32
	}{
		{"", 0x00000000},
		{"a", 0xE8B7BE43},
		{"abc", 0x352441C2},
		{"123456789", 0xCBF43926},
	}

	for _, tt := range tests {
		if got := CRC32([]byte(tt.input)); got != tt.want {
			t.Errorf("CRC32(%q) = %#08x, want %#08x", tt.input, got, tt.want)
		}
	}
}

func TestCRC32MatchesIEEE(t *testing.T) {
	// The bit-by-bit implementation must agree with the table-driven
	// standard library IEEE variant on arbitrary input.
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}

	if got, want := CRC32(data), crc32.ChecksumIEEE(data); got != want {
		t.Fatalf("CRC32 = %#08x, want %#08x", got, want)
	}
}

func TestCRC32Incremental(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	oneShot := CRC32(data)

	crc := uint32(CRC32Init)
	for i := range data {
		crc = CRC32Update(crc, data[i:i+1])
	}
	if got := CRC32Finalize(crc); got != oneShot {
		t.Fatalf("incremental CRC = %#08x, one-shot = %#08x", got, oneShot)
	}

	crc = CRC32Update(CRC32Init, data[:10])
	crc = CRC32Update(crc, data[10:])
	if got := CRC32Finalize(crc); got != oneShot {
		t.Fatalf("split CRC = %#08x, one-shot = %#08x", got, oneShot)
	}
}

func TestXXH3SnapshotStable(t *testing.T) {
	a := XXH3Snapshot([]byte("snapshot payload"))
	b := XXH3Snapshot([]byte("snapshot payload"))
	if a != b {
		t.Fatalf("XXH3Snapshot not deterministic: %#08x vs %#08x", a, b)
	}
	if c := XXH3Snapshot([]byte("snapshot payloae")); c == a {
		t.Fatalf("XXH3Snapshot collision on single-byte change")
	}
}
