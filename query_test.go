package tqdb

import (
	"errors"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/acvigue/tqdb/encoding"
)

// product exercises every queryable field type. String fields are
// fixed-capacity inline buffers, NUL-terminated.
type product struct {
	ID       uint32
	Name     [64]byte
	Category [32]byte
	Price    int32
	Quantity int32
	Rating   float32
	Active   bool
	Priority uint8
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func setCStr(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func productTrait() *Trait {
	var p product
	return &Trait{
		Name:     "Product",
		MaxCount: 1000,
		New:      func() any { return &product{} },
		Write: func(w *encoding.Writer, rec any) {
			pr := rec.(*product)
			w.WriteU32(pr.ID)
			w.WriteString(cstr(pr.Name[:]))
			w.WriteString(cstr(pr.Category[:]))
			w.WriteI32(pr.Price)
			w.WriteI32(pr.Quantity)
			w.WriteF32(pr.Rating)
			w.WriteBool(pr.Active)
			w.WriteU8(pr.Priority)
		},
		Read: func(r *encoding.Reader, rec any) {
			pr := rec.(*product)
			pr.ID = r.ReadU32()
			setCStr(pr.Name[:], r.ReadString())
			setCStr(pr.Category[:], r.ReadString())
			pr.Price = r.ReadI32()
			pr.Quantity = r.ReadI32()
			pr.Rating = r.ReadF32()
			pr.Active = r.ReadBool()
			pr.Priority = r.ReadU8()
		},
		ID:    func(rec any) uint32 { return rec.(*product).ID },
		SetID: func(rec any, id uint32) { rec.(*product).ID = id },
		Fields: []FieldDef{
			{Name: "id", Type: FieldUint32, Offset: unsafe.Offsetof(p.ID), Size: unsafe.Sizeof(p.ID)},
			{Name: "name", Type: FieldString, Offset: unsafe.Offsetof(p.Name), Size: unsafe.Sizeof(p.Name)},
			{Name: "category", Type: FieldString, Offset: unsafe.Offsetof(p.Category), Size: unsafe.Sizeof(p.Category)},
			{Name: "price", Type: FieldInt32, Offset: unsafe.Offsetof(p.Price), Size: unsafe.Sizeof(p.Price)},
			{Name: "quantity", Type: FieldInt32, Offset: unsafe.Offsetof(p.Quantity), Size: unsafe.Sizeof(p.Quantity)},
			{Name: "rating", Type: FieldFloat32, Offset: unsafe.Offsetof(p.Rating), Size: unsafe.Sizeof(p.Rating)},
			{Name: "active", Type: FieldBool, Offset: unsafe.Offsetof(p.Active), Size: unsafe.Sizeof(p.Active)},
			{Name: "priority", Type: FieldUint8, Offset: unsafe.Offsetof(p.Priority), Size: unsafe.Sizeof(p.Priority)},
		},
	}
}

func newProduct(name, category string, price, quantity int32, rating float32, active bool, priority uint8) *product {
	p := &product{Price: price, Quantity: quantity, Rating: rating, Active: active, Priority: priority}
	setCStr(p.Name[:], name)
	setCStr(p.Category[:], category)
	return p
}

// openProductDB seeds the fixed ten-product catalog.
func openProductDB(t *testing.T) *DB {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "products.tqdb"))
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Register(productTrait()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	seed := []*product{
		newProduct("Apple iPhone 15", "Electronics", 99900, 50, 4.8, true, 1),
		newProduct("Samsung Galaxy", "Electronics", 89900, 30, 4.5, true, 2),
		newProduct("Sony Headphones", "Electronics", 29900, 100, 4.2, true, 3),
		newProduct("Coffee Maker", "Appliances", 4999, 200, 4.0, true, 5),
		newProduct("Toaster", "Appliances", 2999, 150, 3.8, true, 6),
		newProduct("Old Laptop", "Electronics", 19900, 0, 3.0, false, 10),
		newProduct("Vintage Radio", "Electronics", 5000, 5, 4.9, false, 8),
		newProduct("Blender Pro", "Appliances", 7999, 75, 4.3, true, 4),
		newProduct("Test Item Alpha", "Test", 100, 10, 5.0, true, 1),
		newProduct("Test Item Beta", "Test", 200, 20, 4.5, false, 2),
	}
	for _, p := range seed {
		if err := db.Add("Product", p); err != nil {
			t.Fatalf("Add(%s) failed: %v", cstr(p.Name[:]), err)
		}
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func queryNames(t *testing.T, q *Query) []string {
	t.Helper()
	var names []string
	if err := q.Exec(func(rec any) bool {
		names = append(names, cstr(rec.(*product).Name[:]))
		return true
	}); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	return names
}

func mustCount(t *testing.T, q *Query) int {
	t.Helper()
	n, err := q.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func TestQueryNoConditionsReturnsAll(t *testing.T) {
	db := openProductDB(t)
	q, err := db.NewQuery("Product")
	if err != nil {
		t.Fatalf("NewQuery failed: %v", err)
	}
	if n := mustCount(t, q); n != 10 {
		t.Fatalf("Count = %d, want 10", n)
	}
}

func TestQueryLikePatterns(t *testing.T) {
	db := openProductDB(t)

	tests := []struct {
		pattern string
		want    int
	}{
		{"Test*", 2},
		{"*Maker*", 1},
		{"*Pro", 1},
		{"Test Item ????", 1},
	}
	for _, tt := range tests {
		q, err := db.NewQuery("Product")
		if err != nil {
			t.Fatalf("NewQuery failed: %v", err)
		}
		if err := q.WhereString("name", OpLike, tt.pattern); err != nil {
			t.Fatalf("WhereString(%q) failed: %v", tt.pattern, err)
		}
		if n := mustCount(t, q); n != tt.want {
			t.Errorf("LIKE %q matched %d, want %d", tt.pattern, n, tt.want)
		}
	}
}

func TestQueryIntegerComparisons(t *testing.T) {
	db := openProductDB(t)

	q, _ := db.NewQuery("Product")
	if err := q.WhereInt32("price", OpGt, 50000); err != nil {
		t.Fatalf("WhereInt32 failed: %v", err)
	}
	if n := mustCount(t, q); n != 2 {
		// iPhone (99900) and Galaxy (89900).
		t.Fatalf("price > 50000 matched %d, want 2", n)
	}

	q, _ = db.NewQuery("Product")
	q.WhereInt32("quantity", OpEq, 0)
	if names := queryNames(t, q); len(names) != 1 || names[0] != "Old Laptop" {
		t.Fatalf("quantity == 0 matched %v", names)
	}

	q, _ = db.NewQuery("Product")
	q.WhereInt32("price", OpLe, 5000)
	// Coffee Maker 4999, Toaster 2999, Vintage Radio 5000, Alpha 100,
	// Beta 200.
	if n := mustCount(t, q); n != 5 {
		t.Fatalf("price <= 5000 matched %d, want 5", n)
	}
}

func TestQueryBetween(t *testing.T) {
	db := openProductDB(t)

	q, _ := db.NewQuery("Product")
	if err := q.WhereBetweenInt32("price", 2000, 10000); err != nil {
		t.Fatalf("WhereBetweenInt32 failed: %v", err)
	}
	// Coffee Maker 4999, Toaster 2999, Vintage Radio 5000, Blender 7999.
	if n := mustCount(t, q); n != 4 {
		t.Fatalf("price BETWEEN [2000,10000] matched %d, want 4", n)
	}

	q, _ = db.NewQuery("Product")
	if err := q.WhereBetweenFloat32("rating", 4.4, 5.0); err != nil {
		t.Fatalf("WhereBetweenFloat32 failed: %v", err)
	}
	// iPhone 4.8, Galaxy 4.5, Vintage Radio 4.9, Alpha 5.0, Beta 4.5.
	if n := mustCount(t, q); n != 5 {
		t.Fatalf("rating BETWEEN [4.4,5.0] matched %d, want 5", n)
	}
}

func TestQueryBoolAndConjunction(t *testing.T) {
	db := openProductDB(t)

	q, _ := db.NewQuery("Product")
	q.WhereBool("active", OpEq, false)
	if n := mustCount(t, q); n != 3 {
		// Old Laptop, Vintage Radio, Test Item Beta.
		t.Fatalf("active == false matched %d, want 3", n)
	}

	// Conditions are a conjunction.
	q, _ = db.NewQuery("Product")
	q.WhereString("category", OpEq, "Electronics")
	q.WhereBool("active", OpEq, true)
	if n := mustCount(t, q); n != 3 {
		// iPhone, Galaxy, Headphones.
		t.Fatalf("electronics AND active matched %d, want 3", n)
	}

	// Ordering operators on bool are rejected as non-matches.
	q, _ = db.NewQuery("Product")
	q.WhereBool("active", OpLt, true)
	if n := mustCount(t, q); n != 0 {
		t.Fatalf("bool with ordering operator matched %d, want 0", n)
	}
}

func TestQueryFloatTolerance(t *testing.T) {
	db := openProductDB(t)

	q, _ := db.NewQuery("Product")
	if err := q.WhereFloat32("rating", OpEq, 4.5); err != nil {
		t.Fatalf("WhereFloat32 failed: %v", err)
	}
	// Galaxy and Test Item Beta both carry exactly 4.5.
	if n := mustCount(t, q); n != 2 {
		t.Fatalf("rating == 4.5 matched %d, want 2", n)
	}
}

func TestQueryStringOrdering(t *testing.T) {
	db := openProductDB(t)

	q, _ := db.NewQuery("Product")
	q.WhereString("name", OpLt, "C")
	// "Apple iPhone 15" and "Blender Pro" sort before "C".
	if n := mustCount(t, q); n != 2 {
		t.Fatalf("name < \"C\" matched %d, want 2", n)
	}
}

func TestQueryNull(t *testing.T) {
	db := openProductDB(t)

	// quantity 0 is the only "null" integer in the seed.
	q, _ := db.NewQuery("Product")
	if err := q.WhereNull("quantity", true); err != nil {
		t.Fatalf("WhereNull failed: %v", err)
	}
	if names := queryNames(t, q); len(names) != 1 || names[0] != "Old Laptop" {
		t.Fatalf("quantity IS NULL matched %v", names)
	}

	q, _ = db.NewQuery("Product")
	q.WhereNull("name", false)
	if n := mustCount(t, q); n != 10 {
		t.Fatalf("name NOT NULL matched %d, want 10", n)
	}
}

func TestQueryLimitOffset(t *testing.T) {
	db := openProductDB(t)

	q, _ := db.NewQuery("Product")
	q.WhereString("category", OpEq, "Electronics")
	q.Limit(2)
	if names := queryNames(t, q); len(names) != 2 {
		t.Fatalf("limit 2 returned %v", names)
	}

	q.Offset(2)
	names := queryNames(t, q)
	// Electronics in insertion order: iPhone, Galaxy, Headphones, Old
	// Laptop, Vintage Radio. Offset 2, limit 2.
	if len(names) != 2 || names[0] != "Sony Headphones" || names[1] != "Old Laptop" {
		t.Fatalf("offset 2 limit 2 returned %v", names)
	}

	// Count ignores limit and offset, then restores them.
	if n := mustCount(t, q); n != 5 {
		t.Fatalf("Count = %d, want 5", n)
	}
	if names := queryNames(t, q); len(names) != 2 {
		t.Fatalf("limit/offset not restored after Count: %v", names)
	}

	// Limit 0 means unlimited.
	q2, _ := db.NewQuery("Product")
	q2.Limit(0)
	if n := len(queryNames(t, q2)); n != 10 {
		t.Fatalf("limit 0 returned %d records, want 10", n)
	}
}

func TestQueryUnknownField(t *testing.T) {
	db := openProductDB(t)
	q, _ := db.NewQuery("Product")
	if err := q.WhereInt32("nonexistent", OpEq, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown field = %v, want ErrNotFound", err)
	}
}

func TestQueryConditionCap(t *testing.T) {
	db := openProductDB(t)
	q, _ := db.NewQuery("Product")
	for i := 0; i < MaxConditions; i++ {
		if err := q.WhereInt32("price", OpGe, 0); err != nil {
			t.Fatalf("condition %d failed: %v", i, err)
		}
	}
	if err := q.WhereInt32("price", OpGe, 0); !errors.Is(err, ErrFull) {
		t.Fatalf("condition past cap = %v, want ErrFull", err)
	}
}

func TestQueryUnregisteredType(t *testing.T) {
	db := openProductDB(t)
	if _, err := db.NewQuery("Ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("NewQuery = %v, want ErrNotRegistered", err)
	}
}

func TestQuerySeesStagedMutations(t *testing.T) {
	db := openProductDB(t)

	// Everything is still staged in the journal; queries run through the
	// read overlay, so they already see it. Now delete one match and
	// re-run.
	q, _ := db.NewQuery("Product")
	q.WhereString("name", OpLike, "Test*")
	if n := mustCount(t, q); n != 2 {
		t.Fatalf("before delete: %d, want 2", n)
	}

	var alphaID uint32
	db.ForEach("Product", func(rec any) bool {
		p := rec.(*product)
		if cstr(p.Name[:]) == "Test Item Alpha" {
			alphaID = p.ID
			return false
		}
		return true
	})
	if err := db.Delete("Product", alphaID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n := mustCount(t, q); n != 1 {
		t.Fatalf("after delete: %d, want 1", n)
	}
}

func TestLikeMatch(t *testing.T) {
	tests := []struct {
		pattern, str string
		want         bool
	}{
		{"", "", true},
		{"", "x", false},
		{"*", "", true},
		{"*", "anything", true},
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"a*c", "ac", true},
		{"a*c", "abbbc", true},
		{"a*c", "abb", false},
		{"**a", "a", true},
		{`\*`, "*", true},
		{`\*`, "x", false},
		{`\?`, "?", true},
		{"a\\*b", "a*b", true},
		{"a\\*b", "axb", false},
		{"*end", "the end", true},
		{"start*", "start of it", true},
		{"Case", "case", false},
	}
	for _, tt := range tests {
		if got := likeMatch(tt.pattern, tt.str); got != tt.want {
			t.Errorf("likeMatch(%q, %q) = %v, want %v", tt.pattern, tt.str, got, tt.want)
		}
	}
}
