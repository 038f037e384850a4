package tqdb

// wal.go implements journal orchestration at the database level: the
// append path for mutations, deferred recovery, and checkpointing through
// the rewrite engine.

import (
	"github.com/acvigue/tqdb/internal/logging"
	"github.com/acvigue/tqdb/internal/wal"
)

// maybeRecoverWAL folds journal entries staged by a previous session into
// the main file. Replay is deferred from Open to the first CRUD call
// because entry payloads can only be parsed once types are registered.
func (db *DB) maybeRecoverWAL() error {
	if db.wal == nil || !db.wal.RecoveryPending() || len(db.traits) == 0 {
		return nil
	}
	db.wal.ClearRecoveryPending()
	db.logger.Infof(logging.NSRecovery+"replaying %d staged journal entries", db.wal.EntryCount())
	return db.checkpointLocked()
}

// walAppend stages one mutation in the journal, keeps the cache coherent,
// and checkpoints when a threshold is crossed. With the journal enabled
// this is the single point that updates the cache for writes; the direct
// rewrite paths invalidate or clear cache entries instead.
func (db *DB) walAppend(op wal.Op, typeIdx uint8, id uint32, t *Trait, rec any) error {
	var payload []byte
	if op != wal.OpDelete {
		var err error
		payload, err = db.encodeRecord(t, rec)
		if err != nil {
			return err
		}
	}

	if err := db.wal.Append(wal.Entry{Op: op, TypeIndex: typeIdx, ID: id, Payload: payload}); err != nil {
		return wrapIO("append journal entry", err)
	}

	if db.cache != nil {
		if op == wal.OpDelete {
			db.cache.Put(typeIdx, id, nil, true)
		} else {
			db.cache.Put(typeIdx, id, payload, false)
		}
	}

	if db.wal.ShouldCheckpoint() {
		return db.checkpointLocked()
	}
	return nil
}

// Checkpoint folds all staged journal entries into the main file and
// resets the journal. A checkpoint with an empty journal is a no-op.
// Checkpoints also run automatically when a journal threshold is crossed
// and on Close.
func (db *DB) Checkpoint() error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()
	if db.closed {
		return ErrClosed
	}
	if db.wal == nil {
		return nil
	}
	if db.wal.RecoveryPending() && len(db.traits) > 0 {
		db.wal.ClearRecoveryPending()
	}
	return db.checkpointLocked()
}

// checkpointLocked performs the fold with the instance lock held:
// read and validate all entries, deduplicate to the last operation per
// (type, id), stream the batch through the rewrite engine, then reset the
// journal with a freshly witnessed main-file CRC and drop the cache.
// A failed checkpoint leaves the journal intact and retriable.
func (db *DB) checkpointLocked() error {
	if db.wal == nil || db.wal.EntryCount() == 0 {
		return nil
	}

	entries, err := db.wal.Entries()
	if err != nil {
		return wrapIO("read journal", err)
	}

	// Drop entries for unregistered type indexes and deduplicate: only
	// the last operation per (type, id) survives. The survivor keeps its
	// position, so appended records land in journal order.
	batch := entries[:0]
	for _, e := range entries {
		if int(e.TypeIndex) >= len(db.traits) {
			db.logger.Warnf(logging.NSCheckpoint+"dropping entry for unregistered type index %d", e.TypeIndex)
			continue
		}
		batch = append(batch, e)
	}
	deduped := make([]wal.Entry, 0, len(batch))
	for i, e := range batch {
		superseded := false
		for j := i + 1; j < len(batch); j++ {
			if batch[j].TypeIndex == e.TypeIndex && batch[j].ID == e.ID {
				superseded = true
				break
			}
		}
		if !superseded {
			deduped = append(deduped, e)
		}
	}

	mut := newMutation()
	mut.batch = deduped
	if err := db.streamRewrite(&mut); err != nil {
		return err
	}

	mainCRC, err := db.mainFileCRC()
	if err != nil {
		return err
	}
	if err := db.wal.Reset(mainCRC); err != nil {
		return wrapIO("reset journal", err)
	}
	if db.cache != nil {
		db.cache.Clear()
	}

	db.logger.Infof(logging.NSCheckpoint+"folded %d entries into %s", len(entries), db.opts.Path)
	return nil
}

// WALStats returns the journal's entry count and file size. Both are zero
// when the journal is disabled.
func (db *DB) WALStats() (entries int, size int64, err error) {
	if err := db.lock(); err != nil {
		return 0, 0, err
	}
	defer db.unlock()
	if db.wal == nil {
		return 0, 0, nil
	}
	return int(db.wal.EntryCount()), db.wal.Size(), nil
}

// CacheStats returns the read cache's hit and miss counters. Both are
// zero when the cache is disabled.
func (db *DB) CacheStats() (hits, misses uint64) {
	if db.lock() != nil {
		return 0, 0
	}
	defer db.unlock()
	if db.cache == nil {
		return 0, 0
	}
	return db.cache.Stats()
}

// CacheClear drops all cached records and zeroes the counters.
func (db *DB) CacheClear() {
	if db.lock() != nil {
		return
	}
	defer db.unlock()
	if db.cache == nil {
		return
	}
	db.cache.Clear()
	db.cache.ResetStats()
}
