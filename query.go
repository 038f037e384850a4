package tqdb

// query.go implements the field-level query engine, a thin layer over
// ForEach. A query bundles a target type, up to MaxConditions conditions,
// and optional limit and offset. A record matches when every condition
// matches.
//
// Field values are read through the trait's field descriptors by raw
// offset and size, which preserves the store's null model: a field whose
// bytes are zero (or whose string is empty) is "null". Records must be
// pointers to structs for this to work; Trait.New returns exactly that.

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"unsafe"
)

// MaxConditions is the maximum number of conditions per query.
const MaxConditions = 8

// floatEqEpsilon bounds the absolute difference under which two floats
// compare equal.
const floatEqEpsilon = 1e-9

// CompareOp is a query comparison operator.
type CompareOp uint8

const (
	// OpEq matches field == value.
	OpEq CompareOp = iota
	// OpNe matches field != value.
	OpNe
	// OpLt matches field < value.
	OpLt
	// OpLe matches field <= value.
	OpLe
	// OpGt matches field > value.
	OpGt
	// OpGe matches field >= value.
	OpGe
	// OpBetween matches min <= field <= max (use the WhereBetween
	// constructors).
	OpBetween
	// OpLike matches a string field against a glob pattern: * matches
	// any sequence, ? matches one character, \* and \? are literals.
	OpLike
	// OpIsNull matches a field whose raw bytes are zero or whose string
	// is empty.
	OpIsNull
	// OpNotNull matches a field that is not null.
	OpNotNull
)

// condValue is the tagged value a condition compares against.
type condValue struct {
	kind FieldType
	i64  int64
	f64  float64
	b    bool
	s    string
}

type condition struct {
	field *FieldDef
	op    CompareOp
	value condValue
	upper condValue
}

// Query is a reusable filter over one record type. Construct with
// DB.NewQuery, add conditions with the type-specific Where constructors,
// then run with Exec or Count.
type Query struct {
	db       *DB
	typeName string
	trait    *Trait
	conds    []condition
	limit    int
	offset   int
}

// NewQuery creates a query for a registered type.
func (db *DB) NewQuery(typeName string) (*Query, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.unlock()
	_, t := db.findTrait(typeName)
	if t == nil {
		return nil, fmt.Errorf("tqdb: query %q: %w", typeName, ErrNotRegistered)
	}
	return &Query{db: db, typeName: typeName, trait: t}, nil
}

func (q *Query) findField(name string) (*FieldDef, error) {
	for i := range q.trait.Fields {
		if q.trait.Fields[i].Name == name {
			return &q.trait.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("tqdb: query %s: field %q: %w", q.typeName, name, ErrNotFound)
}

func (q *Query) addCondition(field string, op CompareOp, value, upper condValue) error {
	if len(q.conds) >= MaxConditions {
		return fmt.Errorf("tqdb: query %s: condition list: %w", q.typeName, ErrFull)
	}
	f, err := q.findField(field)
	if err != nil {
		return err
	}
	q.conds = append(q.conds, condition{field: f, op: op, value: value, upper: upper})
	return nil
}

// WhereInt32 adds a condition comparing a field to an int32 value.
func (q *Query) WhereInt32(field string, op CompareOp, value int32) error {
	return q.addCondition(field, op, condValue{kind: FieldInt32, i64: int64(value)}, condValue{})
}

// WhereInt64 adds a condition comparing a field to an int64 value.
func (q *Query) WhereInt64(field string, op CompareOp, value int64) error {
	return q.addCondition(field, op, condValue{kind: FieldInt64, i64: value}, condValue{})
}

// WhereFloat32 adds a condition comparing a field to a float32 value.
func (q *Query) WhereFloat32(field string, op CompareOp, value float32) error {
	return q.addCondition(field, op, condValue{kind: FieldFloat32, f64: float64(value)}, condValue{})
}

// WhereFloat64 adds a condition comparing a field to a float64 value.
func (q *Query) WhereFloat64(field string, op CompareOp, value float64) error {
	return q.addCondition(field, op, condValue{kind: FieldFloat64, f64: value}, condValue{})
}

// WhereString adds a condition comparing a string field to a value.
// With OpLike the value is a glob pattern.
func (q *Query) WhereString(field string, op CompareOp, value string) error {
	return q.addCondition(field, op, condValue{kind: FieldString, s: value}, condValue{})
}

// WhereBool adds a condition comparing a boolean field. Only OpEq and
// OpNe are meaningful.
func (q *Query) WhereBool(field string, op CompareOp, value bool) error {
	return q.addCondition(field, op, condValue{kind: FieldBool, b: value}, condValue{})
}

// WhereBetweenInt32 adds an inclusive range condition.
func (q *Query) WhereBetweenInt32(field string, min, max int32) error {
	return q.addCondition(field, OpBetween,
		condValue{kind: FieldInt32, i64: int64(min)},
		condValue{kind: FieldInt32, i64: int64(max)})
}

// WhereBetweenInt64 adds an inclusive range condition.
func (q *Query) WhereBetweenInt64(field string, min, max int64) error {
	return q.addCondition(field, OpBetween,
		condValue{kind: FieldInt64, i64: min},
		condValue{kind: FieldInt64, i64: max})
}

// WhereBetweenFloat32 adds an inclusive range condition.
func (q *Query) WhereBetweenFloat32(field string, min, max float32) error {
	return q.addCondition(field, OpBetween,
		condValue{kind: FieldFloat32, f64: float64(min)},
		condValue{kind: FieldFloat32, f64: float64(max)})
}

// WhereBetweenFloat64 adds an inclusive range condition.
func (q *Query) WhereBetweenFloat64(field string, min, max float64) error {
	return q.addCondition(field, OpBetween,
		condValue{kind: FieldFloat64, f64: min},
		condValue{kind: FieldFloat64, f64: max})
}

// WhereNull adds an IS_NULL (isNull true) or NOT_NULL condition.
func (q *Query) WhereNull(field string, isNull bool) error {
	op := OpNotNull
	if isNull {
		op = OpIsNull
	}
	return q.addCondition(field, op, condValue{kind: FieldInt32}, condValue{})
}

// Limit caps the number of results. 0 means unlimited.
func (q *Query) Limit(n int) {
	q.limit = n
}

// Offset skips the first n matching records.
func (q *Query) Offset(n int) {
	q.offset = n
}

// Exec iterates the records matching every condition, honoring offset and
// limit. fn returning false stops the iteration.
func (q *Query) Exec(fn IterFunc) error {
	skipped, matched := 0, 0
	return q.db.ForEach(q.typeName, func(rec any) bool {
		if !q.matches(rec) {
			return true
		}
		if skipped < q.offset {
			skipped++
			return true
		}
		if q.limit > 0 && matched >= q.limit {
			return false
		}
		matched++
		if fn != nil {
			return fn(rec)
		}
		return true
	})
}

// Count returns the number of records matching every condition, ignoring
// limit and offset.
func (q *Query) Count() (int, error) {
	savedLimit, savedOffset := q.limit, q.offset
	q.limit, q.offset = 0, 0
	n := 0
	err := q.Exec(func(any) bool {
		n++
		return true
	})
	q.limit, q.offset = savedLimit, savedOffset
	return n, err
}

func (q *Query) matches(rec any) bool {
	for i := range q.conds {
		if !evalCondition(rec, &q.conds[i]) {
			return false
		}
	}
	return true
}

// fieldPointer returns the address of a field inside the record struct.
func fieldPointer(rec any, f *FieldDef) unsafe.Pointer {
	v := reflect.ValueOf(rec)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil
	}
	return unsafe.Add(v.UnsafePointer(), int(f.Offset))
}

func fieldInt(rec any, f *FieldDef) int64 {
	p := fieldPointer(rec, f)
	if p == nil {
		return 0
	}
	switch f.Type {
	case FieldInt32:
		return int64(*(*int32)(p))
	case FieldInt64:
		return *(*int64)(p)
	case FieldUint8:
		return int64(*(*uint8)(p))
	case FieldUint16:
		return int64(*(*uint16)(p))
	case FieldUint32:
		return int64(*(*uint32)(p))
	case FieldBool:
		if *(*bool)(p) {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func fieldFloat(rec any, f *FieldDef) float64 {
	p := fieldPointer(rec, f)
	if p == nil {
		return 0
	}
	switch f.Type {
	case FieldFloat32:
		return float64(*(*float32)(p))
	case FieldFloat64:
		return *(*float64)(p)
	case FieldInt32:
		return float64(*(*int32)(p))
	case FieldInt64:
		return float64(*(*int64)(p))
	case FieldUint8:
		return float64(*(*uint8)(p))
	case FieldUint16:
		return float64(*(*uint16)(p))
	case FieldUint32:
		return float64(*(*uint32)(p))
	default:
		return 0
	}
}

func fieldBool(rec any, f *FieldDef) bool {
	p := fieldPointer(rec, f)
	if p == nil {
		return false
	}
	switch f.Type {
	case FieldBool:
		return *(*bool)(p)
	case FieldInt32:
		return *(*int32)(p) != 0
	case FieldUint8:
		return *(*uint8)(p) != 0
	default:
		return false
	}
}

// fieldString reads a fixed-capacity inline string field, ending at the
// first NUL byte.
func fieldString(rec any, f *FieldDef) string {
	if f.Type != FieldString || f.Size == 0 {
		return ""
	}
	p := fieldPointer(rec, f)
	if p == nil {
		return ""
	}
	b := unsafe.Slice((*byte)(p), int(f.Size))
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// fieldIsNull implements the store's only null model: a zero value, or an
// empty string.
func fieldIsNull(rec any, f *FieldDef) bool {
	switch f.Type {
	case FieldString:
		return fieldString(rec, f) == ""
	case FieldFloat32, FieldFloat64:
		return fieldFloat(rec, f) == 0
	case FieldBool:
		return !fieldBool(rec, f)
	default:
		return fieldInt(rec, f) == 0
	}
}

func evalCondition(rec any, c *condition) bool {
	if c.field == nil {
		return true
	}

	switch c.op {
	case OpIsNull:
		return fieldIsNull(rec, c.field)
	case OpNotNull:
		return !fieldIsNull(rec, c.field)
	}

	// Strings compare lexicographically; LIKE applies the glob grammar.
	if c.field.Type == FieldString {
		fv := fieldString(rec, c.field)
		if c.op == OpLike {
			return likeMatch(c.value.s, fv)
		}
		cmp := strings.Compare(fv, c.value.s)
		switch c.op {
		case OpEq:
			return cmp == 0
		case OpNe:
			return cmp != 0
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		case OpGe:
			return cmp >= 0
		default:
			return false
		}
	}

	// When either side is floating, compare as f64 with the equality
	// tolerance.
	if c.field.Type == FieldFloat32 || c.field.Type == FieldFloat64 ||
		c.value.kind == FieldFloat32 || c.value.kind == FieldFloat64 {
		fv := fieldFloat(rec, c.field)
		cv := c.value.f64
		switch c.op {
		case OpEq:
			return math.Abs(fv-cv) < floatEqEpsilon
		case OpNe:
			return math.Abs(fv-cv) >= floatEqEpsilon
		case OpLt:
			return fv < cv
		case OpLe:
			return fv <= cv
		case OpGt:
			return fv > cv
		case OpGe:
			return fv >= cv
		case OpBetween:
			return fv >= c.value.f64 && fv <= c.upper.f64
		default:
			return false
		}
	}

	// Booleans support only equality.
	if c.field.Type == FieldBool || c.value.kind == FieldBool {
		fv := fieldBool(rec, c.field)
		switch c.op {
		case OpEq:
			return fv == c.value.b
		case OpNe:
			return fv != c.value.b
		default:
			return false
		}
	}

	// Integers compare as i64.
	fv := fieldInt(rec, c.field)
	cv := c.value.i64
	switch c.op {
	case OpEq:
		return fv == cv
	case OpNe:
		return fv != cv
	case OpLt:
		return fv < cv
	case OpLe:
		return fv <= cv
	case OpGt:
		return fv > cv
	case OpGe:
		return fv >= cv
	case OpBetween:
		return fv >= c.value.i64 && fv <= c.upper.i64
	default:
		return false
	}
}

// likeMatch matches str against a glob pattern. * matches any sequence
// including empty, ? matches exactly one character, \* and \? match the
// literal characters. Matching is greedy with backtracking and
// case-sensitive.
func likeMatch(pattern, str string) bool {
	for len(pattern) > 0 {
		switch {
		case pattern[0] == '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for len(str) > 0 {
				if likeMatch(pattern, str) {
					return true
				}
				str = str[1:]
			}
			return likeMatch(pattern, str)

		case pattern[0] == '?':
			if len(str) == 0 {
				return false
			}
			pattern, str = pattern[1:], str[1:]

		case pattern[0] == '\\' && len(pattern) > 1 && (pattern[1] == '*' || pattern[1] == '?'):
			if len(str) == 0 || pattern[1] != str[0] {
				return false
			}
			pattern, str = pattern[2:], str[1:]

		default:
			if len(str) == 0 || pattern[0] != str[0] {
				return false
			}
			pattern, str = pattern[1:], str[1:]
		}
	}
	return len(str) == 0
}
