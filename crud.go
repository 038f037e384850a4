package tqdb

// crud.go implements the record operations and the read-path overlay.
//
// Reads layer three sources so that every lookup reflects all staged
// mutations: the cache answers first (including delete tombstones), then
// the journal (most recent entry wins), then a linear scan of the main
// file. Mutations either append a journal entry or stream through the
// rewrite engine when the journal is disabled.

import (
	"fmt"

	"github.com/acvigue/tqdb/encoding"
	"github.com/acvigue/tqdb/internal/wal"
)

// Add stores a new record, assigning it the next id for its type via the
// trait's SetID. Ids start at 1 and are never recycled within a session.
func (db *DB) Add(typeName string, rec any) error {
	if rec == nil {
		return fmt.Errorf("tqdb: add: nil record: %w", ErrInvalidArg)
	}
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()
	if db.closed {
		return ErrClosed
	}

	idx, t := db.findTrait(typeName)
	if t == nil {
		return fmt.Errorf("tqdb: add %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}
	if err := db.ensureNextID(idx, t); err != nil {
		return err
	}

	id := db.nextID[idx]
	db.nextID[idx]++
	t.SetID(rec, id)

	if db.wal != nil {
		return db.walAppend(wal.OpAdd, uint8(idx), id, t, rec)
	}

	mut := newMutation()
	mut.addTypeIdx = idx
	mut.addRec = rec
	return db.streamRewrite(&mut)
}

// Get returns the record with the given id, or ErrNotFound.
func (db *DB) Get(typeName string, id uint32) (any, error) {
	if id == 0 {
		return nil, fmt.Errorf("tqdb: get: id 0 is reserved: %w", ErrInvalidArg)
	}
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.unlock()
	if db.closed {
		return nil, ErrClosed
	}

	idx, t := db.findTrait(typeName)
	if t == nil {
		return nil, fmt.Errorf("tqdb: get %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return nil, err
	}

	// 1. Cache: a tombstone answers "absent" without touching disk.
	if db.cache != nil {
		if e, ok := db.cache.Get(uint8(idx), id); ok {
			if e.Deleted {
				return nil, notFoundErr(typeName, id)
			}
			return db.decodeRecord(t, e.Payload)
		}
	}

	// 2. Journal: the most recent staged entry wins.
	if db.wal != nil && db.wal.EntryCount() > 0 {
		op, payload, found, err := db.wal.Find(uint8(idx), id)
		if err != nil {
			return nil, wrapIO("scan journal", err)
		}
		if found {
			if op == wal.OpDelete {
				return nil, notFoundErr(typeName, id)
			}
			rec, err := db.decodeRecord(t, payload)
			if err != nil {
				return nil, err
			}
			if db.cache != nil {
				db.cache.Put(uint8(idx), id, payload, false)
			}
			return rec, nil
		}
	}

	// 3. Main file.
	var out any
	err := db.scanMainType(idx, t, func(rec any) bool {
		if t.ID(rec) == id {
			out = rec
			return false
		}
		db.destroyRec(t, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, notFoundErr(typeName, id)
	}
	if db.cache != nil {
		if payload, err := db.encodeRecord(t, out); err == nil {
			db.cache.Put(uint8(idx), id, payload, false)
		}
	}
	return out, nil
}

// Update replaces the record with the given id. The record's id field is
// set to id before writing.
func (db *DB) Update(typeName string, id uint32, rec any) error {
	if id == 0 || rec == nil {
		return fmt.Errorf("tqdb: update: %w", ErrInvalidArg)
	}
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()
	if db.closed {
		return ErrClosed
	}

	idx, t := db.findTrait(typeName)
	if t == nil {
		return fmt.Errorf("tqdb: update %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}

	found, err := db.existsLocked(idx, t, id)
	if err != nil {
		return err
	}
	if !found {
		return notFoundErr(typeName, id)
	}

	t.SetID(rec, id)

	if db.wal != nil {
		return db.walAppend(wal.OpUpdate, uint8(idx), id, t, rec)
	}

	mut := newMutation()
	mut.updateTypeIdx = idx
	mut.updateID = id
	mut.updateRec = rec
	if err := db.streamRewrite(&mut); err != nil {
		return err
	}
	if db.cache != nil {
		// Reads may have cached the replaced record.
		db.cache.Invalidate(uint8(idx), id)
	}
	return nil
}

// Delete removes the record with the given id.
func (db *DB) Delete(typeName string, id uint32) error {
	if id == 0 {
		return fmt.Errorf("tqdb: delete: id 0 is reserved: %w", ErrInvalidArg)
	}
	if err := db.lock(); err != nil {
		return err
	}
	defer db.unlock()
	if db.closed {
		return ErrClosed
	}

	idx, t := db.findTrait(typeName)
	if t == nil {
		return fmt.Errorf("tqdb: delete %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}

	found, err := db.existsLocked(idx, t, id)
	if err != nil {
		return err
	}
	if !found {
		return notFoundErr(typeName, id)
	}

	if db.wal != nil {
		return db.walAppend(wal.OpDelete, uint8(idx), id, nil, nil)
	}

	mut := newMutation()
	mut.deleteTypeIdx = idx
	mut.deleteID = id
	if err := db.streamRewrite(&mut); err != nil {
		return err
	}
	if db.cache != nil {
		db.cache.Invalidate(uint8(idx), id)
	}
	return nil
}

// Exists reports whether a record with the given id is visible.
func (db *DB) Exists(typeName string, id uint32) (bool, error) {
	if id == 0 {
		return false, nil
	}
	if err := db.lock(); err != nil {
		return false, err
	}
	defer db.unlock()
	if db.closed {
		return false, ErrClosed
	}

	idx, t := db.findTrait(typeName)
	if t == nil {
		return false, fmt.Errorf("tqdb: exists %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return false, err
	}
	return db.existsLocked(idx, t, id)
}

// existsLocked runs the read cascade without materializing the record
// when possible.
func (db *DB) existsLocked(idx int, t *Trait, id uint32) (bool, error) {
	if db.cache != nil {
		if e, ok := db.cache.Get(uint8(idx), id); ok {
			return !e.Deleted, nil
		}
	}
	if db.wal != nil && db.wal.EntryCount() > 0 {
		op, _, found, err := db.wal.Find(uint8(idx), id)
		if err != nil {
			return false, wrapIO("scan journal", err)
		}
		if found {
			return op != wal.OpDelete, nil
		}
	}

	found := false
	err := db.scanMainType(idx, t, func(rec any) bool {
		if t.ID(rec) == id {
			found = true
			db.destroyRec(t, rec)
			return false
		}
		db.destroyRec(t, rec)
		return true
	})
	return found, err
}

// Count returns the number of visible records of a type: the main file's
// per-type count adjusted by one walk over the journal. Each id's staged
// operations collapse to a single adjustment, so a record added and
// deleted entirely within the journal nets to zero.
func (db *DB) Count(typeName string) (int, error) {
	if err := db.lock(); err != nil {
		return 0, err
	}
	defer db.unlock()
	if db.closed {
		return 0, ErrClosed
	}

	idx, t := db.findTrait(typeName)
	if t == nil {
		return 0, fmt.Errorf("tqdb: count %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return 0, err
	}

	counts, err := db.readCounts()
	if err != nil {
		return 0, err
	}
	n := int(counts[idx])

	if db.wal != nil && db.wal.EntryCount() > 0 {
		// Per-id presence state across the walk: 0 unseen (assumed to
		// follow the main file), 1 present, 2 absent.
		state := make(map[uint32]uint8)
		delta := 0
		err := db.wal.Scan(func(e wal.Entry) bool {
			if int(e.TypeIndex) != idx {
				return true
			}
			switch e.Op {
			case wal.OpAdd:
				if state[e.ID] != 1 {
					delta++
				}
				state[e.ID] = 1
			case wal.OpUpdate:
				if state[e.ID] == 0 {
					state[e.ID] = 1
				}
			case wal.OpDelete:
				if state[e.ID] != 2 {
					delta--
				}
				state[e.ID] = 2
			}
			return true
		})
		if err != nil {
			return 0, wrapIO("scan journal", err)
		}
		n += delta
		if n < 0 {
			n = 0
		}
	}
	return n, nil
}

// readCounts reads the counts vector from the main file. A missing file
// yields all zeros.
func (db *DB) readCounts() ([]uint32, error) {
	f, err := db.openMainForRead()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return make([]uint32, len(db.traits)), nil
	}
	defer f.Close()
	return db.readCountsFrom(f), nil
}

// scanMainType iterates the main-file records of one type, materializing
// each through the trait and passing it to fn. fn returning false stops
// the scan. Earlier type sections are skipped via the trait's Skip
// callback, or by a full read-and-discard when Skip is absent. Ownership
// of materialized records passes to fn.
func (db *DB) scanMainType(idx int, t *Trait, fn func(rec any) bool) error {
	f, err := db.openMainForRead()
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	defer f.Close()

	counts := db.readCountsFrom(f)

	r := encoding.NewReader(f, db.readBuf())
	r.SetMaxStringLen(db.opts.MaxStringLen)

	for i := 0; i < idx; i++ {
		prev := db.traits[i]
		for j := uint32(0); j < counts[i] && r.Err() == nil; j++ {
			if prev.Skip != nil {
				prev.Skip(r)
			} else {
				tmp := prev.New()
				if prev.Init != nil {
					prev.Init(tmp)
				}
				prev.Read(r, tmp)
				db.destroyRec(prev, tmp)
			}
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("tqdb: scan %s: %w", t.Name, ErrCorrupt)
	}

	for i := uint32(0); i < counts[idx]; i++ {
		rec := t.New()
		if t.Init != nil {
			t.Init(rec)
		}
		t.Read(r, rec)
		if err := r.Err(); err != nil {
			db.destroyRec(t, rec)
			return fmt.Errorf("tqdb: scan %s: %w", t.Name, ErrCorrupt)
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// ensureNextID derives the next id for a type on its first Add of the
// session: one past the highest id present in the main file or staged in
// the journal.
func (db *DB) ensureNextID(idx int, t *Trait) error {
	if db.nextID[idx] != 0 {
		return nil
	}
	max := uint32(0)
	err := db.scanMainType(idx, t, func(rec any) bool {
		if id := t.ID(rec); id > max {
			max = id
		}
		db.destroyRec(t, rec)
		return true
	})
	if err != nil {
		return err
	}
	if db.wal != nil && db.wal.EntryCount() > 0 {
		entries, err := db.wal.EntriesForType(uint8(idx))
		if err != nil {
			return wrapIO("scan journal", err)
		}
		for _, e := range entries {
			if e.ID > max {
				max = e.ID
			}
		}
	}
	db.nextID[idx] = max + 1
	return nil
}
