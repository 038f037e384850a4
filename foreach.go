package tqdb

// foreach.go implements iteration and the filtered batch operations.

import (
	"fmt"

	"github.com/acvigue/tqdb/internal/wal"
)

// walOverlay is the journal replay set for one type during iteration:
// the final staged operation per id, in first-occurrence order.
type walOverlay struct {
	id       uint32
	op       wal.Op
	payload  []byte
	consumed bool
}

// loadOverlay collapses the journal entries for one type into an id-keyed
// overlay. Later entries for an id replace earlier ones in place.
func (db *DB) loadOverlay(idx int) ([]walOverlay, error) {
	if db.wal == nil || db.wal.EntryCount() == 0 {
		return nil, nil
	}
	entries, err := db.wal.EntriesForType(uint8(idx))
	if err != nil {
		return nil, wrapIO("scan journal", err)
	}
	var set []walOverlay
	for _, e := range entries {
		found := false
		for i := range set {
			if set[i].id == e.ID {
				op := e.Op
				if op == wal.OpUpdate && set[i].op == wal.OpAdd {
					// The record exists only in the journal; the update
					// stays a journal-only addition.
					op = wal.OpAdd
				}
				set[i].op = op
				set[i].payload = e.Payload
				found = true
				break
			}
		}
		if !found {
			set = append(set, walOverlay{id: e.ID, op: e.Op, payload: e.Payload})
		}
	}
	return set, nil
}

// ForEach iterates all visible records of a type: the main file's records
// in file order with staged mutations overlaid, then journal-only
// additions in journal order. fn returning false stops the iteration.
func (db *DB) ForEach(typeName string, fn IterFunc) error {
	if fn == nil {
		return fmt.Errorf("tqdb: foreach: nil callback: %w", ErrInvalidArg)
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
		return fmt.Errorf("tqdb: foreach %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}

	set, err := db.loadOverlay(idx)
	if err != nil {
		return err
	}

	stopped := false
	var iterErr error
	err = db.scanMainType(idx, t, func(rec any) bool {
		id := t.ID(rec)
		for i := range set {
			if set[i].id != id {
				continue
			}
			set[i].consumed = true
			if set[i].op != wal.OpDelete {
				// The staged version shadows the stored record.
				staged, derr := db.decodeRecord(t, set[i].payload)
				if derr != nil {
					iterErr = derr
					stopped = true
				} else {
					if !fn(staged) {
						stopped = true
					}
					db.destroyRec(t, staged)
				}
			}
			db.destroyRec(t, rec)
			return !stopped
		}
		keep := fn(rec)
		db.destroyRec(t, rec)
		if !keep {
			stopped = true
		}
		return !stopped
	})
	if err != nil {
		return err
	}
	if iterErr != nil {
		return iterErr
	}

	// Journal-only additions follow the main-file records.
	for i := range set {
		if stopped {
			break
		}
		if set[i].consumed || set[i].op != wal.OpAdd {
			continue
		}
		staged, err := db.decodeRecord(t, set[i].payload)
		if err != nil {
			return err
		}
		if !fn(staged) {
			stopped = true
		}
		db.destroyRec(t, staged)
	}
	return nil
}

// ModifyWhere applies modify to every record of a type for which filter
// returns true. A nil filter selects every record. Staged journal entries
// are folded first so the rewrite sees the current state.
func (db *DB) ModifyWhere(typeName string, filter FilterFunc, modify ModifyFunc) error {
	if modify == nil {
		return fmt.Errorf("tqdb: modify-where: nil modifier: %w", ErrInvalidArg)
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
		return fmt.Errorf("tqdb: modify-where %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}
	if err := db.checkpointLocked(); err != nil {
		return err
	}

	mut := newMutation()
	mut.modifyTypeIdx = idx
	mut.modifyFilter = filter
	mut.modifyFn = modify
	if err := db.streamRewrite(&mut); err != nil {
		return err
	}
	if db.cache != nil {
		db.cache.Clear()
	}
	return nil
}

// DeleteWhere removes every record of a type for which keep returns
// false. Staged journal entries are folded first so the rewrite sees the
// current state.
func (db *DB) DeleteWhere(typeName string, keep FilterFunc) error {
	if keep == nil {
		return fmt.Errorf("tqdb: delete-where: nil filter: %w", ErrInvalidArg)
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
		return fmt.Errorf("tqdb: delete-where %q: %w", typeName, ErrNotRegistered)
	}
	if err := db.maybeRecoverWAL(); err != nil {
		return err
	}
	if err := db.checkpointLocked(); err != nil {
		return err
	}

	mut := newMutation()
	mut.filterTypeIdx = idx
	mut.filterKeep = keep
	if err := db.streamRewrite(&mut); err != nil {
		return err
	}
	if db.cache != nil {
		db.cache.Clear()
	}
	return nil
}

// Vacuum rewrites the main file without applying any mutation, reclaiming
// space and refreshing the integrity CRC. Staged journal entries are
// folded first.
func (db *DB) Vacuum() error {
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

	mut := newMutation()
	return db.streamRewrite(&mut)
}

// Flush forces pending writes to disk. Rewrites install atomically and
// journal appends sync eagerly, so there is nothing left to flush.
func (db *DB) Flush() error {
	return nil
}
