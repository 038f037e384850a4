package tqdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/acvigue/tqdb/encoding"
	"github.com/acvigue/tqdb/internal/checksum"
)

// testItem is the record type used across the database tests.
type testItem struct {
	ID     uint32
	Name   string
	Value  int32
	Active bool
}

func itemTrait() *Trait {
	return &Trait{
		Name:     "Item",
		MaxCount: 10000,
		New:      func() any { return &testItem{} },
		Write: func(w *encoding.Writer, rec any) {
			it := rec.(*testItem)
			w.WriteU32(it.ID)
			w.WriteString(it.Name)
			w.WriteI32(it.Value)
			w.WriteBool(it.Active)
		},
		Read: func(r *encoding.Reader, rec any) {
			it := rec.(*testItem)
			it.ID = r.ReadU32()
			it.Name = r.ReadString()
			it.Value = r.ReadI32()
			it.Active = r.ReadBool()
		},
		ID:    func(rec any) uint32 { return rec.(*testItem).ID },
		SetID: func(rec any, id uint32) { rec.(*testItem).ID = id },
		Skip: func(r *encoding.Reader) {
			r.Skip(4)
			r.SkipString()
			r.Skip(5)
		},
	}
}

// testTag is a second record type for multi-type layouts.
type testTag struct {
	ID    uint32
	Label string
}

func tagTrait() *Trait {
	return &Trait{
		Name: "Tag",
		New:  func() any { return &testTag{} },
		Write: func(w *encoding.Writer, rec any) {
			tg := rec.(*testTag)
			w.WriteU32(tg.ID)
			w.WriteString(tg.Label)
		},
		Read: func(r *encoding.Reader, rec any) {
			tg := rec.(*testTag)
			tg.ID = r.ReadU32()
			tg.Label = r.ReadString()
		},
		ID:    func(rec any) uint32 { return rec.(*testTag).ID },
		SetID: func(rec any, id uint32) { rec.(*testTag).ID = id },
	}
}

// openTestDB opens a database in a fresh temp directory with Item
// registered.
func openTestDB(t *testing.T, mutate func(*Options)) (*DB, *Options) {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "test.tqdb"))
	if mutate != nil {
		mutate(opts)
	}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Register(itemTrait()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return db, opts
}

// mustAdd adds an item and returns it with its assigned id.
func mustAdd(t *testing.T, db *DB, name string, value int32, active bool) *testItem {
	t.Helper()
	it := &testItem{Name: name, Value: value, Active: active}
	if err := db.Add("Item", it); err != nil {
		t.Fatalf("Add(%q) failed: %v", name, err)
	}
	return it
}

func mustGetItem(t *testing.T, db *DB, id uint32) *testItem {
	t.Helper()
	got, err := db.Get("Item", id)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", id, err)
	}
	return got.(*testItem)
}

// verifyMainCRC checks that the stored header CRC matches the bytes
// following the header.
func verifyMainCRC(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) failed: %v", path, err)
	}
	if len(raw) < 16 {
		t.Fatalf("main file too short: %d bytes", len(raw))
	}
	stored := binary.LittleEndian.Uint32(raw[8:12])
	if computed := checksum.CRC32(raw[16:]); stored != computed {
		t.Fatalf("header CRC %#08x does not match file contents %#08x", stored, computed)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(nil); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("Open(nil) = %v, want ErrInvalidArg", err)
	}
	if _, err := Open(&Options{}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("Open without path = %v, want ErrInvalidArg", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	if err := db.Register(&Trait{Name: "Broken"}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("incomplete trait = %v, want ErrInvalidArg", err)
	}
	if err := db.Register(itemTrait()); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate name = %v, want ErrExists", err)
	}
}

func TestRegisterTypeTableFull(t *testing.T) {
	opts := DefaultOptions(filepath.Join(t.TempDir(), "full.tqdb"))
	opts.MaxTypes = 2
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		tr := itemTrait()
		tr.Name = fmt.Sprintf("Type%d", i)
		if err := db.Register(tr); err != nil {
			t.Fatalf("Register %d failed: %v", i, err)
		}
	}
	tr := itemTrait()
	tr.Name = "Overflow"
	if err := db.Register(tr); !errors.Is(err, ErrFull) {
		t.Fatalf("register past cap = %v, want ErrFull", err)
	}
}

func TestSequentialIDs(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	for want := uint32(1); want <= 3; want++ {
		it := mustAdd(t, db, fmt.Sprintf("item-%d", want), int32(want), true)
		if it.ID != want {
			t.Fatalf("assigned id = %d, want %d", it.ID, want)
		}
	}
}

func TestUnregisteredType(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	if err := db.Add("Ghost", &testItem{}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Add = %v, want ErrNotRegistered", err)
	}
	if _, err := db.Get("Ghost", 1); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Get = %v, want ErrNotRegistered", err)
	}
	if _, err := db.Count("Ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Count = %v, want ErrNotRegistered", err)
	}
}

func TestRoundtrip(t *testing.T) {
	for _, disableWAL := range []bool{false, true} {
		t.Run(fmt.Sprintf("disableWAL=%v", disableWAL), func(t *testing.T) {
			db, _ := openTestDB(t, func(o *Options) { o.DisableWAL = disableWAL })
			defer db.Close()

			added := mustAdd(t, db, "widget", -42, true)
			got := mustGetItem(t, db, added.ID)
			if *got != *added {
				t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, added)
			}
		})
	}
}

func TestDeleteThenGet(t *testing.T) {
	for _, disableWAL := range []bool{false, true} {
		t.Run(fmt.Sprintf("disableWAL=%v", disableWAL), func(t *testing.T) {
			db, _ := openTestDB(t, func(o *Options) { o.DisableWAL = disableWAL })
			defer db.Close()

			it := mustAdd(t, db, "doomed", 1, true)
			if err := db.Delete("Item", it.ID); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := db.Get("Item", it.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after delete = %v, want ErrNotFound", err)
			}
			exists, err := db.Exists("Item", it.ID)
			if err != nil {
				t.Fatalf("Exists failed: %v", err)
			}
			if exists {
				t.Fatal("Exists after delete = true")
			}
			if err := db.Delete("Item", it.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	for _, disableWAL := range []bool{false, true} {
		t.Run(fmt.Sprintf("disableWAL=%v", disableWAL), func(t *testing.T) {
			db, _ := openTestDB(t, func(o *Options) { o.DisableWAL = disableWAL })
			defer db.Close()

			it := mustAdd(t, db, "before", 1, false)
			if err := db.Update("Item", it.ID, &testItem{Name: "after", Value: 2, Active: true}); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			got := mustGetItem(t, db, it.ID)
			if got.Name != "after" || got.Value != 2 || !got.Active {
				t.Fatalf("update not visible: %+v", got)
			}
			if got.ID != it.ID {
				t.Fatalf("update changed id: %d", got.ID)
			}

			if err := db.Update("Item", 999, &testItem{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update of missing id = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCountMatchesForEach(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	check := func(stage string) {
		t.Helper()
		n, err := db.Count("Item")
		if err != nil {
			t.Fatalf("%s: Count failed: %v", stage, err)
		}
		seen := map[uint32]bool{}
		err = db.ForEach("Item", func(rec any) bool {
			seen[rec.(*testItem).ID] = true
			return true
		})
		if err != nil {
			t.Fatalf("%s: ForEach failed: %v", stage, err)
		}
		if n != len(seen) {
			t.Fatalf("%s: Count = %d but ForEach visited %d distinct ids", stage, n, len(seen))
		}
	}

	check("empty")
	a := mustAdd(t, db, "a", 1, true)
	mustAdd(t, db, "b", 2, true)
	check("two adds")
	db.Update("Item", a.ID, &testItem{Name: "a2", Value: 3})
	check("after update")
	db.Delete("Item", a.ID)
	check("after delete")
	mustAdd(t, db, "c", 4, true)
	check("add after delete")
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	check("after checkpoint")
}

func TestPersistenceAcrossReopen(t *testing.T) {
	opts := DefaultOptions(filepath.Join(t.TempDir(), "persist.tqdb"))

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Register(itemTrait()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	first := mustAdd(t, db, "first", 10, true)
	second := mustAdd(t, db, "second", 20, false)
	db.Delete("Item", first.ID)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	re, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer re.Close()
	if err := re.Register(itemTrait()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	n, err := re.Count("Item")
	if err != nil || n != 1 {
		t.Fatalf("Count after reopen = %d, %v; want 1", n, err)
	}
	if _, err := re.Get("Item", first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted record visible after reopen: %v", err)
	}
	got := mustGetItem(t, re, second.ID)
	if got.Name != "second" || got.Value != 20 || got.Active {
		t.Fatalf("record corrupted across reopen: %+v", got)
	}

	// Ids keep increasing past everything ever allocated.
	third := mustAdd(t, re, "third", 30, true)
	if third.ID <= second.ID {
		t.Fatalf("id %d not monotonic past %d after reopen", third.ID, second.ID)
	}
}

func TestHeaderCRCAlwaysMatchesFile(t *testing.T) {
	db, opts := openTestDB(t, func(o *Options) { o.DisableWAL = true })
	defer db.Close()

	mustAdd(t, db, "one", 1, true)
	verifyMainCRC(t, opts.Path)

	mustAdd(t, db, "two", 2, false)
	verifyMainCRC(t, opts.Path)

	db.Update("Item", 1, &testItem{Name: "one-b", Value: 3})
	verifyMainCRC(t, opts.Path)

	// Filter deletes rewrite the counts vector after streaming; the CRC
	// must still match the final bytes.
	if err := db.DeleteWhere("Item", func(rec any) bool {
		return rec.(*testItem).Active
	}); err != nil {
		t.Fatalf("DeleteWhere failed: %v", err)
	}
	verifyMainCRC(t, opts.Path)

	if err := db.Vacuum(); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	verifyMainCRC(t, opts.Path)
}

func TestDeleteLastRecordLeavesReadableFile(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	it := mustAdd(t, db, "only", 1, true)
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := db.Delete("Item", it.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	n, err := db.Count("Item")
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0", n, err)
	}

	// The empty section is still writable and readable.
	again := mustAdd(t, db, "again", 2, true)
	got := mustGetItem(t, db, again.ID)
	if got.Name != "again" {
		t.Fatalf("add into empty section failed: %+v", got)
	}
}

func TestEmptyStringRoundtrip(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	it := mustAdd(t, db, "", 0, false)
	got := mustGetItem(t, db, it.ID)
	if got.Name != "" {
		t.Fatalf("empty string roundtrip = %q", got.Name)
	}
}

func TestStringOverCapIsCorrupt(t *testing.T) {
	db, _ := openTestDB(t, func(o *Options) {
		o.MaxStringLen = 8
		o.DisableWAL = true
	})
	defer db.Close()

	// The write path does not enforce the cap; the read path treats an
	// over-cap length as corruption.
	it := mustAdd(t, db, "this name is far beyond eight bytes", 1, true)
	if _, err := db.Get("Item", it.ID); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Get of over-cap string = %v, want ErrCorrupt", err)
	}
}

func TestMultiTypeSectionsAndSkip(t *testing.T) {
	opts := DefaultOptions(filepath.Join(t.TempDir(), "multi.tqdb"))
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	if err := db.Register(itemTrait()); err != nil {
		t.Fatalf("Register Item failed: %v", err)
	}
	if err := db.Register(tagTrait()); err != nil {
		t.Fatalf("Register Tag failed: %v", err)
	}

	mustAdd(t, db, "item-a", 1, true)
	mustAdd(t, db, "item-b", 2, false)
	tag := &testTag{Label: "red"}
	if err := db.Add("Tag", tag); err != nil {
		t.Fatalf("Add Tag failed: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	// Reading the second type's section crosses the first via Skip (Item
	// provides one) and the counts vector.
	got, err := db.Get("Tag", tag.ID)
	if err != nil {
		t.Fatalf("Get Tag failed: %v", err)
	}
	if got.(*testTag).Label != "red" {
		t.Fatalf("Tag = %+v", got)
	}

	// Tag has no Skip callback; as the last section it is never crossed
	// here. Ids are independent per type.
	n, err := db.Count("Tag")
	if err != nil || n != 1 {
		t.Fatalf("Count(Tag) = %d, %v", n, err)
	}
	if tag.ID != 1 {
		t.Fatalf("Tag id = %d, want independent sequence starting at 1", tag.ID)
	}
}

func TestOpsAfterClose(t *testing.T) {
	db, _ := openTestDB(t, nil)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}

	if err := db.Add("Item", &testItem{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after close = %v, want ErrClosed", err)
	}
	if _, err := db.Get("Item", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after close = %v, want ErrClosed", err)
	}
}

func TestInvalidArgs(t *testing.T) {
	db, _ := openTestDB(t, nil)
	defer db.Close()

	if err := db.Add("Item", nil); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("Add(nil) = %v, want ErrInvalidArg", err)
	}
	if _, err := db.Get("Item", 0); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("Get(0) = %v, want ErrInvalidArg", err)
	}
	if err := db.Delete("Item", 0); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("Delete(0) = %v, want ErrInvalidArg", err)
	}
	exists, err := db.Exists("Item", 0)
	if err != nil || exists {
		t.Fatalf("Exists(0) = %v, %v; want false, nil", exists, err)
	}
}

func TestDisableLocking(t *testing.T) {
	db, _ := openTestDB(t, func(o *Options) { o.DisableLocking = true })
	defer db.Close()

	it := mustAdd(t, db, "unlocked", 1, true)
	if got := mustGetItem(t, db, it.ID); got.Name != "unlocked" {
		t.Fatalf("Get = %+v", got)
	}
}

func TestRecoveryFromStagingFile(t *testing.T) {
	db, opts := openTestDB(t, func(o *Options) { o.DisableWAL = true })
	mustAdd(t, db, "survivor", 7, true)
	db.Close()

	// Simulate a crash after the rewrite finished writing but before the
	// final rename: the finished file exists only under the staging name.
	if err := os.Rename(opts.Path, opts.TmpPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	re, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer re.Close()
	if err := re.Register(itemTrait()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got := mustGetItem(t, re, 1)
	if got.Name != "survivor" {
		t.Fatalf("recovered record = %+v", got)
	}
	if _, err := os.Stat(opts.TmpPath); !os.IsNotExist(err) {
		t.Fatal("staging file should have been renamed away")
	}
}

func TestRecoveryFromBackupFile(t *testing.T) {
	db, opts := openTestDB(t, func(o *Options) { o.DisableWAL = true })
	mustAdd(t, db, "survivor", 7, true)
	db.Close()

	if err := os.Rename(opts.Path, opts.BakPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	re, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer re.Close()
	if err := re.Register(itemTrait()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got := mustGetItem(t, re, 1)
	if got.Name != "survivor" {
		t.Fatalf("recovered record = %+v", got)
	}
}

func TestMainFileLayout(t *testing.T) {
	db, opts := openTestDB(t, func(o *Options) { o.DisableWAL = true })
	defer db.Close()
	mustAdd(t, db, "x", 1, true)

	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(raw[0:4]) != "TQDB" {
		t.Fatalf("magic bytes = %q, want \"TQDB\"", raw[0:4])
	}
	if binary.LittleEndian.Uint16(raw[4:6]) != 1 {
		t.Fatalf("version = %d, want 1", binary.LittleEndian.Uint16(raw[4:6]))
	}
	// One registered type: a single u32 count of 1 follows the header.
	if got := binary.LittleEndian.Uint32(raw[16:20]); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}
