package tqdb

// backup.go implements compressed snapshot export and restore.
//
// A snapshot is a self-contained, compressed image of the main database
// file. Staged journal entries are folded before the export so the
// snapshot reflects every committed mutation.
//
// Snapshot format (little-endian):
//
//	Header (16 bytes):
//	  magic: u32        = 0x4B425154 ("TQBK")
//	  version: u16      = 1
//	  codec: u8         (compression type)
//	  reserved: u8
//	  checksum: u32     (XXH3-64 of the compressed payload, low 32 bits)
//	  payload_len: u32
//	Payload: payload_len compressed bytes.

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/acvigue/tqdb/internal/checksum"
	"github.com/acvigue/tqdb/internal/compression"
	"github.com/acvigue/tqdb/internal/logging"
)

const (
	backupMagic      = 0x4B425154 // "TQBK"
	backupVersion    = 1
	backupHeaderSize = 16
)

// Backup writes a compressed snapshot of the database to path, using the
// codec selected by Options.BackupCompression. The destination is written
// through a staging file and renamed into place.
func (db *DB) Backup(path string) error {
	if path == "" {
		return fmt.Errorf("tqdb: backup: missing path: %w", ErrInvalidArg)
	}
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()
	if db.closed {
		return ErrClosed
	}

	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}
	if err := db.checkpointLocked(); err != nil {
		return err
	}
	if _, err := os.Stat(db.opts.Path); os.IsNotExist(err) {
		// Nothing written yet; materialize an empty main file so the
		// snapshot is a valid database image.
		mut := newMutation()
		if err := db.streamRewrite(&mut); err != nil {
			return err
		}
	}

	raw, err := os.ReadFile(db.opts.Path)
	if err != nil {
		return wrapIO("read "+db.opts.Path, err)
	}

	codec := db.opts.BackupCompression
	payload, err := compression.Compress(codec, raw)
	if err != nil {
		return fmt.Errorf("tqdb: backup: %w", err)
	}

	var hdr [backupHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], backupMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], backupVersion)
	hdr[6] = byte(codec)
	hdr[7] = 0
	binary.LittleEndian.PutUint32(hdr[8:12], checksum.XXH3Snapshot(payload))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))

	staging := path + ".tmp"
	f, err := os.Create(staging)
	if err != nil {
		return wrapIO("create "+staging, err)
	}
	if _, err := f.Write(hdr[:]); err == nil {
		_, err = f.Write(payload)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staging)
		return wrapIO("write "+staging, err)
	}
	if err := os.Rename(staging, path); err != nil {
		os.Remove(staging)
		return wrapIO("install "+path, err)
	}

	db.logger.Infof(logging.NSBackup+"wrote snapshot %s (%s, %d -> %d bytes)", path, codec, len(raw), len(payload))
	return nil
}

// RestoreBackup reconstructs a main database file at dbPath from a
// snapshot. The database must not be open. Stale sibling files from a
// previous instance at the default paths (.tmp, .bak, .wal) are removed
// so the restored image is authoritative.
func RestoreBackup(backupPath, dbPath string) error {
	if backupPath == "" || dbPath == "" {
		return fmt.Errorf("tqdb: restore: missing path: %w", ErrInvalidArg)
	}

	raw, err := os.ReadFile(backupPath)
	if err != nil {
		return wrapIO("read "+backupPath, err)
	}
	if len(raw) < backupHeaderSize {
		return fmt.Errorf("tqdb: restore %s: truncated header: %w", backupPath, ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != backupMagic {
		return fmt.Errorf("tqdb: restore %s: bad magic: %w", backupPath, ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(raw[4:6]); v > backupVersion {
		return fmt.Errorf("tqdb: restore %s: unsupported version %d: %w", backupPath, v, ErrCorrupt)
	}
	codec := compression.Type(raw[6])
	if !codec.IsSupported() {
		return fmt.Errorf("tqdb: restore %s: unknown codec %d: %w", backupPath, raw[6], ErrCorrupt)
	}
	sum := binary.LittleEndian.Uint32(raw[8:12])
	payloadLen := binary.LittleEndian.Uint32(raw[12:16])

	payload := raw[backupHeaderSize:]
	if uint32(len(payload)) != payloadLen {
		return fmt.Errorf("tqdb: restore %s: payload length mismatch: %w", backupPath, ErrCorrupt)
	}
	if checksum.XXH3Snapshot(payload) != sum {
		return fmt.Errorf("tqdb: restore %s: payload checksum mismatch: %w", backupPath, ErrCorrupt)
	}

	image, err := compression.Decompress(codec, payload)
	if err != nil {
		return fmt.Errorf("tqdb: restore %s: %w", backupPath, ErrCorrupt)
	}
	if len(image) < mainHeaderSize ||
		binary.LittleEndian.Uint32(image[0:4]) != mainMagic ||
		binary.LittleEndian.Uint16(image[4:6]) > mainVersion {
		return fmt.Errorf("tqdb: restore %s: snapshot does not contain a database image: %w", backupPath, ErrCorrupt)
	}

	staging := dbPath + ".restore"
	f, err := os.Create(staging)
	if err != nil {
		return wrapIO("create "+staging, err)
	}
	if _, err := f.Write(image); err != nil {
		f.Close()
		os.Remove(staging)
		return wrapIO("write "+staging, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return wrapIO("sync "+staging, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return wrapIO("close "+staging, err)
	}
	if err := os.Rename(staging, dbPath); err != nil {
		os.Remove(staging)
		return wrapIO("install "+dbPath, err)
	}

	os.Remove(dbPath + ".tmp")
	os.Remove(dbPath + ".bak")
	os.Remove(dbPath + ".wal")
	return nil
}
