package tqdb

// rewrite.go implements the streaming copy-on-write rewrite engine.
//
// A rewrite reads the previous main file and produces a new one while
// applying one pending mutation — a single add, update, or delete, a
// filter pass, or a checkpoint batch — then atomically swaps it into
// place. On any failure the previous file remains authoritative.
//
// Main file format (all little-endian):
//
//	Header (16 bytes):
//	  magic: u32     = 0x42445154 ("TQDB")
//	  version: u16   = 1
//	  flags: u16     = 0
//	  crc: u32       (CRC-32 of everything after the header)
//	  reserved: u32
//
//	Counts: one u32 per registered type, in registration order.
//	Records: count[type] records back-to-back per type, in type order.

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/acvigue/tqdb/encoding"
	"github.com/acvigue/tqdb/internal/checksum"
	"github.com/acvigue/tqdb/internal/logging"
	"github.com/acvigue/tqdb/internal/wal"
)

const (
	mainMagic      = 0x42445154 // "TQDB"
	mainVersion    = 1
	mainHeaderSize = 16

	// crcOffset is the byte offset of the integrity CRC in the header.
	crcOffset = 8
)

// mutation describes the single pending change a rewrite applies.
// Type index fields hold -1 when the corresponding operation is absent;
// an all-absent mutation is a vacuum. batch is set only for checkpoints
// and never combines with the single-operation fields.
type mutation struct {
	addTypeIdx int
	addRec     any

	deleteTypeIdx int
	deleteID      uint32

	updateTypeIdx int
	updateID      uint32
	updateRec     any

	filterTypeIdx int
	filterKeep    FilterFunc

	modifyTypeIdx int
	modifyFilter  FilterFunc
	modifyFn      ModifyFunc

	batch []wal.Entry
}

func newMutation() mutation {
	return mutation{
		addTypeIdx:    -1,
		deleteTypeIdx: -1,
		updateTypeIdx: -1,
		filterTypeIdx: -1,
		modifyTypeIdx: -1,
	}
}

// writeMainHeader writes the fixed header with the given CRC.
func writeMainHeader(f *os.File, crc uint32) error {
	var b [mainHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], mainMagic)
	binary.LittleEndian.PutUint16(b[4:6], mainVersion)
	binary.LittleEndian.PutUint16(b[6:8], 0) // flags
	binary.LittleEndian.PutUint32(b[8:12], crc)
	binary.LittleEndian.PutUint32(b[12:16], 0) // reserved
	_, err := f.Write(b[:])
	return err
}

// openMainForRead opens the authoritative main file, recovering from the
// staging or backup file when the primary is absent, and validates the
// header. Returns (nil, nil) when no usable file exists: a missing main
// file is an empty database. The returned file is positioned at the
// counts vector.
func (db *DB) openMainForRead() (*os.File, error) {
	f, err := os.Open(db.opts.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, wrapIO("open "+db.opts.Path, err)
		}
		// An interrupted rewrite may have left the finished file under
		// the staging name, or an interrupted rollback under the backup
		// name. Prefer staging, then backup.
		if _, serr := os.Stat(db.opts.TmpPath); serr == nil {
			db.logger.Warnf(logging.NSRecovery+"recovering main file from %s", db.opts.TmpPath)
			if rerr := os.Rename(db.opts.TmpPath, db.opts.Path); rerr != nil {
				return nil, wrapIO("recover staging file", rerr)
			}
		} else if _, serr := os.Stat(db.opts.BakPath); serr == nil {
			db.logger.Warnf(logging.NSRecovery+"recovering main file from %s", db.opts.BakPath)
			if rerr := os.Rename(db.opts.BakPath, db.opts.Path); rerr != nil {
				return nil, wrapIO("recover backup file", rerr)
			}
		} else {
			return nil, nil
		}
		f, err = os.Open(db.opts.Path)
		if err != nil {
			return nil, wrapIO("open "+db.opts.Path, err)
		}
	} else {
		// A stale staging file next to a healthy primary is leftover
		// from a failed rewrite.
		os.Remove(db.opts.TmpPath)
	}

	var hdr [mainHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, nil
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	version := binary.LittleEndian.Uint16(hdr[4:6])
	if magic != mainMagic || version > mainVersion {
		f.Close()
		return nil, nil
	}
	return f, nil
}

// readCountsFrom reads the per-type counts vector from a file positioned
// at the counts. Short files leave the remaining counts zero; counts above
// a type's sanity cap are ignored.
func (db *DB) readCountsFrom(f *os.File) []uint32 {
	counts := make([]uint32, len(db.traits))
	var b [4]byte
	for i, t := range db.traits {
		if _, err := io.ReadFull(f, b[:]); err != nil {
			break
		}
		c := binary.LittleEndian.Uint32(b[:])
		if t.MaxCount == 0 || c <= t.MaxCount {
			counts[i] = c
		}
	}
	return counts
}

// findBatchEntry locates the batch entry for (typeIdx, id), or -1.
// Checkpoint batches are deduplicated, so at most one entry matches.
func findBatchEntry(batch []wal.Entry, typeIdx int, id uint32) int {
	for i := range batch {
		if int(batch[i].TypeIndex) == typeIdx && batch[i].ID == id {
			return i
		}
	}
	return -1
}

// streamRewrite produces a new main file reflecting mut and atomically
// installs it. On failure the previous file is untouched and the staging
// file is removed.
func (db *DB) streamRewrite(mut *mutation) error {
	src, err := db.openMainForRead()
	if err != nil {
		return err
	}
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	dst, err := os.Create(db.opts.TmpPath)
	if err != nil {
		return wrapIO("create "+db.opts.TmpPath, err)
	}
	fail := func(err error) error {
		dst.Close()
		os.Remove(db.opts.TmpPath)
		return err
	}

	if err := writeMainHeader(dst, 0); err != nil {
		return fail(wrapIO("write header", err))
	}

	var srcCounts []uint32
	if src != nil {
		srcCounts = db.readCountsFrom(src)
	} else {
		srcCounts = make([]uint32, len(db.traits))
	}

	// Project the new counts optimistically; filtering may lower them,
	// in which case the vector is rewritten after streaming.
	proj := make([]uint32, len(db.traits))
	copy(proj, srcCounts)
	if mut.addTypeIdx >= 0 {
		proj[mut.addTypeIdx]++
	}
	if mut.deleteTypeIdx >= 0 && mut.deleteID != 0 && proj[mut.deleteTypeIdx] > 0 {
		proj[mut.deleteTypeIdx]--
	}
	for _, e := range mut.batch {
		switch e.Op {
		case wal.OpAdd:
			proj[e.TypeIndex]++
		case wal.OpDelete:
			if proj[e.TypeIndex] > 0 {
				proj[e.TypeIndex]--
			}
		}
	}

	w := encoding.NewWriter(dst, db.writeBuf())
	for _, c := range proj {
		w.WriteU32(c)
	}

	var r *encoding.Reader
	if src != nil {
		r = encoding.NewReader(src, db.readBuf())
		r.SetMaxStringLen(db.opts.MaxStringLen)
	}

	consumed := make([]bool, len(mut.batch))
	actual := make([]uint32, len(db.traits))

	for idx, t := range db.traits {
		written := uint32(0)

		if src != nil {
			for i := uint32(0); i < srcCounts[idx] && r.Err() == nil; i++ {
				rec := t.New()
				if t.Init != nil {
					t.Init(rec)
				}
				t.Read(r, rec)
				if r.Err() != nil {
					db.destroyRec(t, rec)
					break
				}
				id := t.ID(rec)

				// First matching rule wins: delete-by-id, filter-delete,
				// update-by-id, batch overlay, filter-modify, unchanged.
				switch {
				case mut.deleteTypeIdx == idx && mut.deleteID != 0 && id == mut.deleteID:
					db.destroyRec(t, rec)

				case mut.filterTypeIdx == idx && mut.filterKeep != nil && !mut.filterKeep(rec):
					db.destroyRec(t, rec)

				case mut.updateTypeIdx == idx && mut.updateID != 0 && id == mut.updateID:
					t.Write(w, mut.updateRec)
					written++
					db.destroyRec(t, rec)

				default:
					if j := findBatchEntry(mut.batch, idx, id); j >= 0 {
						consumed[j] = true
						if mut.batch[j].Op != wal.OpDelete {
							// Staged update replaces the record in its slot.
							w.WriteRaw(mut.batch[j].Payload)
							written++
						}
						db.destroyRec(t, rec)
					} else {
						if mut.modifyTypeIdx == idx && mut.modifyFn != nil {
							if mut.modifyFilter == nil || mut.modifyFilter(rec) {
								mut.modifyFn(rec)
							}
						}
						t.Write(w, rec)
						written++
						db.destroyRec(t, rec)
					}
				}
			}
		}

		// Appends land after the surviving records of the type section:
		// the single add, then staged adds and dangling updates (an
		// update whose base record never reached the main file becomes
		// an add).
		if mut.addTypeIdx == idx && mut.addRec != nil {
			t.Write(w, mut.addRec)
			written++
		}
		for j := range mut.batch {
			e := &mut.batch[j]
			if consumed[j] || int(e.TypeIndex) != idx || e.Op == wal.OpDelete {
				continue
			}
			w.WriteRaw(e.Payload)
			written++
			consumed[j] = true
		}

		actual[idx] = written
	}

	if src != nil {
		src.Close()
		src = nil
	}

	if err := w.Flush(); err != nil {
		return fail(wrapIO("write records", err))
	}

	// Filtering can leave the projected counts stale; patch the vector at
	// its remembered offset and recompute the CRC from the file so the
	// stored CRC always matches the bytes after the header.
	countsChanged := false
	for i := range proj {
		if actual[i] != proj[i] {
			countsChanged = true
			break
		}
	}

	crc := w.Sum32()
	if countsChanged {
		var b [4]byte
		for i, c := range actual {
			binary.LittleEndian.PutUint32(b[:], c)
			if _, err := dst.WriteAt(b[:], int64(mainHeaderSize+i*4)); err != nil {
				return fail(wrapIO("rewrite counts", err))
			}
		}
		crc, err = fileCRCAfterHeader(dst, db.readBuf())
		if err != nil {
			return fail(err)
		}
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], crc)
	if _, err := dst.WriteAt(b[:], crcOffset); err != nil {
		return fail(wrapIO("write header crc", err))
	}
	if err := dst.Sync(); err != nil {
		return fail(wrapIO("sync "+db.opts.TmpPath, err))
	}
	if err := dst.Close(); err != nil {
		os.Remove(db.opts.TmpPath)
		return wrapIO("close "+db.opts.TmpPath, err)
	}

	return db.swapInPlace()
}

// swapInPlace atomically installs the staging file as the main file,
// keeping the previous file as a backup until the install succeeds.
func (db *DB) swapInPlace() error {
	os.Remove(db.opts.BakPath)
	hadPrev := os.Rename(db.opts.Path, db.opts.BakPath) == nil
	if err := os.Rename(db.opts.TmpPath, db.opts.Path); err != nil {
		if hadPrev {
			os.Rename(db.opts.BakPath, db.opts.Path)
		}
		return wrapIO("install rewritten file", err)
	}
	os.Remove(db.opts.BakPath)
	return nil
}

// fileCRCAfterHeader computes the CRC-32 of a file's contents after the
// fixed header.
func fileCRCAfterHeader(f *os.File, buf []byte) (uint32, error) {
	if _, err := f.Seek(mainHeaderSize, io.SeekStart); err != nil {
		return 0, wrapIO("seek", err)
	}
	crc := uint32(checksum.CRC32Init)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			crc = checksum.CRC32Update(crc, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, wrapIO("read", err)
		}
	}
	return checksum.CRC32Finalize(crc), nil
}
