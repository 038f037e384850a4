// xxh3.go implements the XXH3-based checksum used by snapshot files.
package checksum

import "github.com/zeebo/xxh3"

// XXH3Snapshot returns the snapshot checksum of data: the low 32 bits of
// the XXH3-64 digest.
func XXH3Snapshot(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}
