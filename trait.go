package tqdb

// trait.go defines the record type descriptor registered with a database.

import "github.com/acvigue/tqdb/encoding"

// Trait describes one record type: its serialization, id accessors, and
// optional lifecycle callbacks. A trait is registered once per database
// instance and must not change afterward. Registration order determines the
// type's position in the main file and is implicitly persisted by that
// order, so a database must always be opened with the same types registered
// in the same sequence.
//
// New must return a pointer to a zeroed record; the query engine reads
// fields through that pointer.
type Trait struct {
	// Name uniquely identifies the type (e.g. "Product").
	Name string

	// MaxCount is a sanity cap: a per-type count read from the main file
	// above this value is treated as corruption and ignored. 0 means no
	// cap.
	MaxCount uint32

	// New allocates a zeroed record.
	New func() any

	// Write serializes a record. Required.
	Write func(w *encoding.Writer, rec any)

	// Read deserializes into a record allocated by New. Required.
	Read func(r *encoding.Reader, rec any)

	// ID returns the record's id. Required.
	ID func(rec any) uint32

	// SetID stores the id assigned by Add. Required.
	SetID func(rec any, id uint32)

	// Init, when set, prepares a record before Read. Records from New
	// are already zeroed, so most types leave this nil.
	Init func(rec any)

	// Destroy, when set, releases resources owned by a record before the
	// core discards it.
	Destroy func(rec any)

	// Skip, when set, advances a reader over one serialized record
	// without materializing it. When nil the core reads and discards.
	Skip func(r *encoding.Reader)

	// Fields lists the queryable fields of the record. Optional; only
	// needed for the query engine.
	Fields []FieldDef
}

// valid reports whether the required callbacks are present.
func (t *Trait) valid() bool {
	return t != nil && t.Name != "" &&
		t.New != nil && t.Write != nil && t.Read != nil &&
		t.ID != nil && t.SetID != nil
}

// FieldType tags the data type of a queryable field.
type FieldType uint8

const (
	// FieldInt32 is a signed 32-bit integer field.
	FieldInt32 FieldType = iota
	// FieldInt64 is a signed 64-bit integer field.
	FieldInt64
	// FieldFloat32 is a 32-bit float field.
	FieldFloat32
	// FieldFloat64 is a 64-bit float field.
	FieldFloat64
	// FieldString is a fixed-capacity inline string field ([N]byte,
	// NUL-terminated).
	FieldString
	// FieldBool is a boolean field.
	FieldBool
	// FieldUint8 is an unsigned 8-bit integer field.
	FieldUint8
	// FieldUint16 is an unsigned 16-bit integer field.
	FieldUint16
	// FieldUint32 is an unsigned 32-bit integer field.
	FieldUint32
)

// FieldDef describes one queryable field of a record by its in-memory
// position. Offset and Size come from unsafe.Offsetof / unsafe.Sizeof on
// the record struct.
type FieldDef struct {
	Name   string
	Type   FieldType
	Offset uintptr
	Size   uintptr
}

// IterFunc receives each record during iteration.
// Returning false stops the iteration.
type IterFunc func(rec any) bool

// FilterFunc reports whether a record should be kept or selected.
type FilterFunc func(rec any) bool

// ModifyFunc mutates a record in place.
type ModifyFunc func(rec any)
