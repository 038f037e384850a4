package tqdb

// errors.go defines the error taxonomy shared by all database operations.

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArg is returned when an argument is malformed, such as a
	// nil record or the reserved id 0.
	ErrInvalidArg = errors.New("tqdb: invalid argument")

	// ErrNoMem is returned when a required buffer cannot be allocated.
	ErrNoMem = errors.New("tqdb: out of memory")

	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("tqdb: record not found")

	// ErrExists is returned when registering a duplicate type name.
	ErrExists = errors.New("tqdb: already exists")

	// ErrIO is returned when a file operation fails.
	ErrIO = errors.New("tqdb: i/o error")

	// ErrCorrupt is returned when file contents fail structural or
	// checksum validation.
	ErrCorrupt = errors.New("tqdb: corrupt database")

	// ErrFull is returned when the type table or a condition list is at
	// capacity.
	ErrFull = errors.New("tqdb: capacity exhausted")

	// ErrTimeout is returned when the instance lock cannot be acquired
	// within the configured timeout.
	ErrTimeout = errors.New("tqdb: lock timeout")

	// ErrNotRegistered is returned when an operation names a type that
	// has not been registered.
	ErrNotRegistered = errors.New("tqdb: record type not registered")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("tqdb: database is closed")
)

// wrapIO attaches the ErrIO sentinel and context to an underlying failure,
// keeping both reachable through errors.Is.
func wrapIO(op string, err error) error {
	return fmt.Errorf("tqdb: %s: %w", op, errors.Join(ErrIO, err))
}

// notFoundErr reports a missing record with its type and id.
func notFoundErr(typeName string, id uint32) error {
	return fmt.Errorf("tqdb: %s/%d: %w", typeName, id, ErrNotFound)
}
