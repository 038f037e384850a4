package tqdb

// db.go implements the database handle: open/close, registration, the
// instance lock, and record codec helpers.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/acvigue/tqdb/encoding"
	"github.com/acvigue/tqdb/internal/cache"
	"github.com/acvigue/tqdb/internal/checksum"
	"github.com/acvigue/tqdb/internal/logging"
	"github.com/acvigue/tqdb/internal/wal"
)

// DB is a database instance. All public methods serialize behind a single
// timed lock unless Options.DisableLocking was set, in which case the
// caller guarantees single-goroutine access.
type DB struct {
	opts Options

	traits []*Trait

	// nextID holds the next id to allocate per type. 0 means the value
	// has not been derived from the files yet.
	nextID []uint32

	// scratch is split into a read half and a write half: file readers
	// buffer through the read half, in-memory encode/decode and file
	// writers through the write half.
	scratch []byte

	wal   *wal.Log
	cache *cache.Cache

	lockCh chan struct{}
	logger logging.Logger
	closed bool
}

// Open creates a database instance for opts.Path, reconstructing journal
// state from disk. Record types must be registered before the first CRUD
// call; journal replay is deferred until then because payload parsing
// requires the registered read callbacks.
func Open(opts *Options) (*DB, error) {
	if opts == nil || opts.Path == "" {
		return nil, fmt.Errorf("tqdb: open: missing path: %w", ErrInvalidArg)
	}

	o := opts.normalized()
	db := &DB{
		opts:    o,
		scratch: make([]byte, o.ScratchSize),
		logger:  o.Logger,
	}
	if !o.DisableLocking {
		db.lockCh = make(chan struct{}, 1)
	}

	if !o.DisableWAL {
		mainCRC, err := db.mainFileCRC()
		if err != nil {
			return nil, err
		}
		l, err := wal.Open(o.WALPath, o.WALMaxEntries, o.WALMaxSize, mainCRC, db.logger)
		if err != nil {
			return nil, wrapIO("open journal", err)
		}
		db.wal = l
		if l.RecoveryPending() {
			db.logger.Infof(logging.NSRecovery+"journal holds %d staged entries, replay deferred until registration", l.EntryCount())
		}
	}

	if o.EnableCache {
		db.cache = cache.New(o.CacheSize)
	}

	db.logger.Infof(logging.NSDB+"opened %s", o.Path)
	return db, nil
}

// Close folds any staged journal entries into the main file and releases
// the instance. Close is idempotent.
func (db *DB) Close() error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.wal != nil && db.wal.EntryCount() > 0 {
		if db.wal.RecoveryPending() {
			// Entries staged by a previous session can only be folded
			// once their types are registered; otherwise leave the
			// journal intact for the next open.
			if len(db.traits) == 0 {
				db.logger.Warnf(logging.NSDB + "closing with unreplayed journal entries and no registered types")
				return nil
			}
			db.wal.ClearRecoveryPending()
		}
		if err := db.checkpointLocked(); err != nil {
			return err
		}
	}
	db.logger.Infof(logging.NSDB+"closed %s", db.opts.Path)
	return nil
}

// Register adds a record type. Registration must happen after Open and
// before the first CRUD call, in the same order across sessions.
func (db *DB) Register(t *Trait) error {
	if !t.valid() {
		return fmt.Errorf("tqdb: register: incomplete trait: %w", ErrInvalidArg)
	}
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()

	if db.closed {
		return ErrClosed
	}
	if idx, _ := db.findTrait(t.Name); idx >= 0 {
		return fmt.Errorf("tqdb: register %q: %w", t.Name, ErrExists)
	}
	if len(db.traits) >= db.opts.MaxTypes {
		return fmt.Errorf("tqdb: register %q: type table: %w", t.Name, ErrFull)
	}

	db.traits = append(db.traits, t)
	db.nextID = append(db.nextID, 0)
	return nil
}

// findTrait returns the index and trait for a type name, or (-1, nil).
func (db *DB) findTrait(name string) (int, *Trait) {
	for i, t := range db.traits {
		if t.Name == name {
			return i, t
		}
	}
	return -1, nil
}

// lock acquires the instance lock within the configured timeout.
func (db *DB) lock() error {
	if db.lockCh == nil {
		return nil
	}
	select {
	case db.lockCh <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(db.opts.LockTimeout)
	defer timer.Stop()
	select {
	case db.lockCh <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

func (db *DB) unlock() {
	if db.lockCh != nil {
		<-db.lockCh
	}
}

// readBuf returns the read half of the scratch buffer, used by file
// readers.
func (db *DB) readBuf() []byte {
	return db.scratch[:len(db.scratch)/2]
}

// writeBuf returns the write half of the scratch buffer, used by file
// writers and in-memory codecs.
func (db *DB) writeBuf() []byte {
	return db.scratch[len(db.scratch)/2:]
}

// encodeRecord serializes a record to bytes using the trait's Write.
func (db *DB) encodeRecord(t *Trait, rec any) ([]byte, error) {
	var buf bytes.Buffer
	w := encoding.NewWriter(&buf, db.writeBuf())
	t.Write(w, rec)
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("tqdb: encode %s: %w", t.Name, err)
	}
	return buf.Bytes(), nil
}

// decodeRecord materializes a record from serialized bytes.
func (db *DB) decodeRecord(t *Trait, payload []byte) (any, error) {
	rec := t.New()
	if t.Init != nil {
		t.Init(rec)
	}
	r := encoding.NewReader(bytes.NewReader(payload), db.writeBuf())
	r.SetMaxStringLen(db.opts.MaxStringLen)
	t.Read(r, rec)
	if err := r.Err(); err != nil {
		db.destroyRec(t, rec)
		return nil, fmt.Errorf("tqdb: decode %s: %w", t.Name, ErrCorrupt)
	}
	return rec, nil
}

// destroyRec invokes the trait's Destroy, if provided.
func (db *DB) destroyRec(t *Trait, rec any) {
	if t.Destroy != nil {
		t.Destroy(rec)
	}
}

// mainFileCRC computes the CRC-32 of the entire main file (header
// included), the value witnessed in the journal header. A missing file
// yields 0.
func (db *DB) mainFileCRC() (uint32, error) {
	f, err := os.Open(db.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, wrapIO("open "+db.opts.Path, err)
	}
	defer f.Close()

	crc := uint32(checksum.CRC32Init)
	buf := db.readBuf()
	for {
		n, err := f.Read(buf)
		if n > 0 {
			crc = checksum.CRC32Update(crc, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, wrapIO("read "+db.opts.Path, err)
		}
	}
	return checksum.CRC32Finalize(crc), nil
}
