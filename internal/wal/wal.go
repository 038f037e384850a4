// Package wal implements tqdb's write-ahead log.
//
// File Format:
//
// A log file starts with a fixed 16-byte little-endian header followed by
// a sequence of entries:
//
//	Header:
//	  magic: u32          = 0x4C415754 ("TWAL")
//	  version: u16        = 1
//	  flags: u16          = 0
//	  main_crc: u32       = CRC-32 of the whole main file, header included,
//	                        when the log started (not the header's
//	                        integrity CRC field)
//	  entry_count: u32
//
//	Entry:
//	  crc: u32            (CRC-32 of all following fields of the entry)
//	  op: u8              (1=ADD, 2=UPDATE, 3=DELETE)
//	  type_index: u8
//	  id: u32
//	  data_len: u32       (0 for DELETE)
//	  data: [u8; data_len]
//
// Every scan verifies per-entry CRCs oldest to newest. The first mismatch
// ends the scan: the tail from that point is treated as a torn write and is
// truncated before the next append. The header's entry count is rewritten
// and the file synced after every append, so an interrupted append leaves
// at worst one unreferenced partial entry past the counted prefix.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/acvigue/tqdb/internal/checksum"
	"github.com/acvigue/tqdb/internal/logging"
)

const (
	// Magic identifies a log file ("TWAL" read little-endian).
	Magic = 0x4C415754

	// Version is the current log format version.
	Version = 1

	// HeaderSize is the size of the log file header in bytes.
	HeaderSize = 16

	// entryHeaderSize is the fixed portion of an entry: crc(4) + op(1) +
	// type_index(1) + id(4) + data_len(4).
	entryHeaderSize = 14

	// entryCountOffset is the byte offset of entry_count in the header.
	entryCountOffset = 12

	// DefaultMaxEntries is the default entry-count checkpoint threshold.
	DefaultMaxEntries = 100

	// DefaultMaxSize is the default file-size checkpoint threshold.
	DefaultMaxSize = 64 * 1024
)

// Op is a logged operation code. The values are embedded in the on-disk
// format and must not change.
type Op uint8

const (
	// OpAdd records a newly created record.
	OpAdd Op = 1
	// OpUpdate records a full replacement of an existing record.
	OpUpdate Op = 2
	// OpDelete records a deletion. Delete entries carry no payload.
	OpDelete Op = 3
)

// String returns the string representation of an Op.
func (op Op) String() string {
	switch op {
	case OpAdd:
		return "ADD"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(op))
	}
}

// Entry is one logged operation.
type Entry struct {
	Op        Op
	TypeIndex uint8
	ID        uint32
	Payload   []byte
}

// Log is the append-only journal for one database instance.
// It holds no open file descriptor; every operation opens and closes the
// file. It is not safe for concurrent use; the owning database serializes
// access.
type Log struct {
	path       string
	maxEntries int
	maxSize    int64

	entryCount   uint32
	fileSize     int64
	witnessedCRC uint32

	// recoveryPending is set when the log was opened with existing
	// entries. Replay is deferred until record types are registered,
	// because payload parsing requires their read callbacks.
	recoveryPending bool

	// truncateTo, when positive, marks the offset of a detected corrupt
	// tail; validCount is the number of entries preceding it. The tail is
	// cut on the next append.
	truncateTo int64
	validCount uint32

	logger logging.Logger
}

type header struct {
	magic      uint32
	version    uint16
	flags      uint16
	mainCRC    uint32
	entryCount uint32
}

func encodeHeader(h header) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.magic)
	binary.LittleEndian.PutUint16(b[4:6], h.version)
	binary.LittleEndian.PutUint16(b[6:8], h.flags)
	binary.LittleEndian.PutUint32(b[8:12], h.mainCRC)
	binary.LittleEndian.PutUint32(b[12:16], h.entryCount)
	return b
}

func decodeHeader(b [HeaderSize]byte) header {
	return header{
		magic:      binary.LittleEndian.Uint32(b[0:4]),
		version:    binary.LittleEndian.Uint16(b[4:6]),
		flags:      binary.LittleEndian.Uint16(b[6:8]),
		mainCRC:    binary.LittleEndian.Uint32(b[8:12]),
		entryCount: binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Open loads the log at path, creating it with a fresh header when missing.
// A corrupt or incompatible header discards the file and recreates it: the
// main file alone is then authoritative. mainCRC is recorded as the
// witnessed main-file CRC when a fresh log is created.
//
// When the log already holds entries, replay is deferred: RecoveryPending
// reports true and the owning database folds the log on the first CRUD
// call after type registration.
func Open(path string, maxEntries int, maxSize int64, mainCRC uint32, logger logging.Logger) (*Log, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	l := &Log{
		path:       path,
		maxEntries: maxEntries,
		maxSize:    maxSize,
		logger:     logging.OrDefault(logger),
	}

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("wal: open %s: %w", path, err)
		}
		if err := l.create(mainCRC); err != nil {
			return nil, err
		}
		return l, nil
	}

	var raw [HeaderSize]byte
	_, rerr := io.ReadFull(f, raw[:])
	size, _ := f.Seek(0, io.SeekEnd)
	f.Close()

	hdr := decodeHeader(raw)
	if rerr != nil || hdr.magic != Magic || hdr.version > Version {
		l.logger.Warnf(logging.NSRecovery + "journal header invalid, discarding journal")
		os.Remove(path)
		if err := l.create(mainCRC); err != nil {
			return nil, err
		}
		return l, nil
	}

	l.entryCount = hdr.entryCount
	l.fileSize = size
	l.witnessedCRC = hdr.mainCRC
	if hdr.entryCount > 0 {
		l.recoveryPending = true
	}
	return l, nil
}

// create writes a fresh log file containing only a header.
func (l *Log) create(mainCRC uint32) error {
	f, err := os.Create(l.path)
	if err != nil {
		return fmt.Errorf("wal: create %s: %w", l.path, err)
	}
	hdr := encodeHeader(header{magic: Magic, version: Version, mainCRC: mainCRC})
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: sync header: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close: %w", err)
	}

	l.entryCount = 0
	l.fileSize = HeaderSize
	l.witnessedCRC = mainCRC
	l.truncateTo = 0
	l.validCount = 0
	return nil
}

// entryCRC computes the CRC over an entry's fields in on-disk order.
func entryCRC(e Entry) uint32 {
	var fixed [10]byte
	fixed[0] = byte(e.Op)
	fixed[1] = e.TypeIndex
	binary.LittleEndian.PutUint32(fixed[2:6], e.ID)
	binary.LittleEndian.PutUint32(fixed[6:10], uint32(len(e.Payload)))

	crc := checksum.CRC32Update(checksum.CRC32Init, fixed[:])
	crc = checksum.CRC32Update(crc, e.Payload)
	return checksum.CRC32Finalize(crc)
}

// Append writes one entry and updates the header's entry count.
// A failed write of the entry or of the entry count is undone by
// truncating back to the prior end. A failed final sync is reported but
// the written entry stays counted.
func (l *Log) Append(e Entry) error {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("wal: open %s: %w", l.path, err)
		}
		if err := l.create(l.witnessedCRC); err != nil {
			return err
		}
		f, err = os.OpenFile(l.path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("wal: open %s: %w", l.path, err)
		}
	}
	defer f.Close()

	// Cut a previously detected corrupt tail before appending past it.
	if l.truncateTo > 0 {
		l.logger.Warnf(logging.NSWAL+"truncating corrupt tail at offset %d (%d valid entries)", l.truncateTo, l.validCount)
		if err := f.Truncate(l.truncateTo); err != nil {
			return fmt.Errorf("wal: truncate corrupt tail: %w", err)
		}
		l.entryCount = l.validCount
		l.fileSize = l.truncateTo
		l.truncateTo = 0
		l.validCount = 0
		if err := l.writeEntryCount(f); err != nil {
			return err
		}
	}

	start, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}

	buf := make([]byte, entryHeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], entryCRC(e))
	buf[4] = byte(e.Op)
	buf[5] = e.TypeIndex
	binary.LittleEndian.PutUint32(buf[6:10], e.ID)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(e.Payload)))
	copy(buf[entryHeaderSize:], e.Payload)

	if _, err := f.Write(buf); err != nil {
		// Leave no half-entry behind.
		f.Truncate(start)
		return fmt.Errorf("wal: append: %w", err)
	}

	l.entryCount++
	l.fileSize = start + int64(len(buf))

	if err := l.writeEntryCount(f); err != nil {
		f.Truncate(start)
		l.entryCount--
		l.fileSize = start
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// writeEntryCount rewrites the entry_count field of the header in place.
func (l *Log) writeEntryCount(f *os.File) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], l.entryCount)
	if _, err := f.WriteAt(b[:], entryCountOffset); err != nil {
		return fmt.Errorf("wal: update entry count: %w", err)
	}
	return nil
}

// Scan walks valid entries oldest to newest, invoking fn for each.
// fn may return false to stop early. A CRC mismatch or short entry ends
// the scan silently after recording the corrupt tail for truncation at the
// next append.
func (l *Log) Scan(fn func(e Entry) bool) error {
	if l.entryCount == 0 {
		return nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}

	offset := int64(HeaderSize)
	var head [entryHeaderSize]byte
	for i := uint32(0); i < l.entryCount; i++ {
		if _, err := io.ReadFull(f, head[:]); err != nil {
			l.markCorrupt(offset, i)
			return nil
		}
		e := Entry{
			Op:        Op(head[4]),
			TypeIndex: head[5],
			ID:        binary.LittleEndian.Uint32(head[6:10]),
		}
		dataLen := binary.LittleEndian.Uint32(head[10:14])
		if dataLen > 0 {
			e.Payload = make([]byte, dataLen)
			if _, err := io.ReadFull(f, e.Payload); err != nil {
				l.markCorrupt(offset, i)
				return nil
			}
		}
		if binary.LittleEndian.Uint32(head[0:4]) != entryCRC(e) {
			l.markCorrupt(offset, i)
			return nil
		}
		offset += entryHeaderSize + int64(dataLen)
		if !fn(e) {
			return nil
		}
	}
	return nil
}

func (l *Log) markCorrupt(offset int64, valid uint32) {
	if l.truncateTo == 0 {
		l.logger.Warnf(logging.NSWAL+"entry %d fails checksum, tail from offset %d ignored", valid, offset)
	}
	l.truncateTo = offset
	l.validCount = valid
}

// Find returns the most recent entry for (typeIndex, id), if any.
func (l *Log) Find(typeIndex uint8, id uint32) (op Op, payload []byte, found bool, err error) {
	if id == 0 {
		return 0, nil, false, nil
	}
	err = l.Scan(func(e Entry) bool {
		if e.TypeIndex == typeIndex && e.ID == id {
			op, payload, found = e.Op, e.Payload, true
		}
		return true
	})
	return op, payload, found, err
}

// Entries returns all valid entries oldest to newest.
func (l *Log) Entries() ([]Entry, error) {
	var out []Entry
	err := l.Scan(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// EntriesForType returns all valid entries for one type, oldest to newest.
func (l *Log) EntriesForType(typeIndex uint8) ([]Entry, error) {
	var out []Entry
	err := l.Scan(func(e Entry) bool {
		if e.TypeIndex == typeIndex {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// Reset replaces the log with a fresh header recording mainCRC as the
// witnessed main-file CRC. Called after a successful checkpoint.
func (l *Log) Reset(mainCRC uint32) error {
	return l.create(mainCRC)
}

// ShouldCheckpoint reports whether either checkpoint threshold is reached.
func (l *Log) ShouldCheckpoint() bool {
	return int(l.entryCount) >= l.maxEntries || l.fileSize >= l.maxSize
}

// EntryCount returns the number of entries recorded in the header.
func (l *Log) EntryCount() uint32 {
	return l.entryCount
}

// Size returns the log file size in bytes.
func (l *Log) Size() int64 {
	return l.fileSize
}

// WitnessedCRC returns the main-file CRC recorded at log creation.
func (l *Log) WitnessedCRC() uint32 {
	return l.witnessedCRC
}

// RecoveryPending reports whether the log held entries at open that have
// not been replayed yet.
func (l *Log) RecoveryPending() bool {
	return l.recoveryPending
}

// ClearRecoveryPending marks deferred replay as handled.
func (l *Log) ClearRecoveryPending() {
	l.recoveryPending = false
}
