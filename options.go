package tqdb

// options.go implements database configuration options.

import (
	"time"

	"github.com/acvigue/tqdb/internal/compression"
	"github.com/acvigue/tqdb/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// LogLevel is an alias for the logging level.
type LogLevel = logging.Level

// Log level constants.
const (
	LogLevelError = logging.LevelError
	LogLevelWarn  = logging.LevelWarn
	LogLevelInfo  = logging.LevelInfo
	LogLevelDebug = logging.LevelDebug
)

// NewStderrLogger returns a logger writing to stderr at the given level.
func NewStderrLogger(level LogLevel) Logger {
	return logging.NewDefaultLogger(level)
}

// CompressionType is an alias for the snapshot compression type.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone   = compression.None
	CompressionSnappy = compression.Snappy
	CompressionLZ4    = compression.LZ4
	CompressionZstd   = compression.Zstd
)

// Defaults applied by Open when the corresponding option is zero.
const (
	// DefaultScratchSize is the default scratch buffer size. The buffer
	// is split into independent read and write halves during a rewrite.
	DefaultScratchSize = 8192

	// DefaultMaxTypes is the default cap on registered record types.
	DefaultMaxTypes = 8

	// DefaultMaxStringLen is the default cap on decoded string length.
	DefaultMaxStringLen = 4096

	// DefaultCacheSize is the default number of read cache slots.
	DefaultCacheSize = 16

	// DefaultWALMaxEntries is the default entry-count checkpoint
	// threshold.
	DefaultWALMaxEntries = 100

	// DefaultWALMaxSize is the default journal-size checkpoint threshold
	// in bytes.
	DefaultWALMaxSize = 64 * 1024

	// DefaultLockTimeout bounds how long an operation waits for the
	// instance lock.
	DefaultLockTimeout = 5 * time.Second
)

// Options configures a database instance. Only Path is required; zero
// values select the documented defaults.
type Options struct {
	// Path is the main database file. Required.
	Path string

	// TmpPath is the rewrite staging file. Default: Path + ".tmp".
	TmpPath string

	// BakPath is the swap backup file. Default: Path + ".bak".
	BakPath string

	// ScratchSize is the size of the instance scratch buffer in bytes.
	// Default: DefaultScratchSize.
	ScratchSize int

	// DisableWAL turns off write-ahead logging; every mutation then
	// rewrites the main file directly.
	DisableWAL bool

	// WALPath is the journal file. Default: Path + ".wal".
	WALPath string

	// WALMaxEntries triggers an automatic checkpoint when the journal
	// reaches this many entries. Default: DefaultWALMaxEntries.
	WALMaxEntries int

	// WALMaxSize triggers an automatic checkpoint when the journal file
	// reaches this many bytes. Default: DefaultWALMaxSize.
	WALMaxSize int64

	// EnableCache turns on the in-memory read cache.
	EnableCache bool

	// CacheSize is the number of cache slots. Default: DefaultCacheSize.
	CacheSize int

	// MaxTypes caps the number of registered record types.
	// Default: DefaultMaxTypes.
	MaxTypes int

	// MaxStringLen caps decoded string length; longer strings are
	// treated as corruption. Default: DefaultMaxStringLen.
	MaxStringLen int

	// LockTimeout bounds how long an operation waits for the instance
	// lock before returning ErrTimeout. Default: DefaultLockTimeout.
	LockTimeout time.Duration

	// DisableLocking removes the instance lock. The caller then
	// guarantees single-goroutine access.
	DisableLocking bool

	// Logger receives diagnostic messages. Default: discard.
	Logger Logger

	// BackupCompression selects the snapshot codec used by Backup.
	// The zero value stores snapshots uncompressed; DefaultOptions
	// selects CompressionSnappy.
	BackupCompression CompressionType
}

// DefaultOptions returns an Options with every default made explicit.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:              path,
		TmpPath:           path + ".tmp",
		BakPath:           path + ".bak",
		ScratchSize:       DefaultScratchSize,
		WALPath:           path + ".wal",
		WALMaxEntries:     DefaultWALMaxEntries,
		WALMaxSize:        DefaultWALMaxSize,
		CacheSize:         DefaultCacheSize,
		MaxTypes:          DefaultMaxTypes,
		MaxStringLen:      DefaultMaxStringLen,
		LockTimeout:       DefaultLockTimeout,
		Logger:            logging.Discard,
		BackupCompression: CompressionSnappy,
	}
}

// normalized returns a copy of o with zero values replaced by defaults.
func (o *Options) normalized() Options {
	n := *o
	if n.TmpPath == "" {
		n.TmpPath = n.Path + ".tmp"
	}
	if n.BakPath == "" {
		n.BakPath = n.Path + ".bak"
	}
	if n.ScratchSize <= 0 {
		n.ScratchSize = DefaultScratchSize
	}
	if n.WALPath == "" {
		n.WALPath = n.Path + ".wal"
	}
	if n.WALMaxEntries <= 0 {
		n.WALMaxEntries = DefaultWALMaxEntries
	}
	if n.WALMaxSize <= 0 {
		n.WALMaxSize = DefaultWALMaxSize
	}
	if n.CacheSize <= 0 {
		n.CacheSize = DefaultCacheSize
	}
	if n.MaxTypes <= 0 {
		n.MaxTypes = DefaultMaxTypes
	}
	if n.MaxStringLen <= 0 {
		n.MaxStringLen = DefaultMaxStringLen
	}
	if n.LockTimeout <= 0 {
		n.LockTimeout = DefaultLockTimeout
	}
	n.Logger = logging.OrDefault(n.Logger)
	return n
}
