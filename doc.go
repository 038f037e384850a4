// Package tqdb implements an embedded, file-backed record store for
// resource-constrained environments.
//
// A database persists heterogeneous user-defined record types in a single
// append-rewrite file. Clients register each record type once, declaring
// its binary layout through trait callbacks, then perform create, read,
// update, delete, and iterate operations by type name and numeric id.
//
// Features:
//   - Trait-based record registration (define your own types)
//   - Atomic file rewrites with backup/recovery
//   - Optional write-ahead logging for crash safety
//   - Optional in-memory LRU read cache
//   - Optional field-level query engine with LIKE pattern matching
//   - CRC-32 integrity checking
//   - Compressed snapshot export and restore
//
// Basic usage:
//
//	opts := tqdb.DefaultOptions("data.tqdb")
//	db, err := tqdb.Open(opts)
//	if err != nil {
//		// ...
//	}
//	defer db.Close()
//
//	if err := db.Register(itemTrait); err != nil {
//		// ...
//	}
//
//	item := &Item{Name: "widget"}
//	if err := db.Add("Item", item); err != nil {
//		// ...
//	}
//	got, err := db.Get("Item", item.ID)
//
// Mutations either stream through the copy-on-write rewrite engine, which
// produces a new main file and atomically swaps it into place, or — when
// the write-ahead log is enabled — append journal entries that are folded
// into the main file at the next checkpoint. Reads always reflect every
// staged mutation, layering cache over journal over main file.
//
// A database instance serializes all public operations behind a single
// timed lock (disable with Options.DisableLocking when the caller
// guarantees single-goroutine access).
package tqdb
