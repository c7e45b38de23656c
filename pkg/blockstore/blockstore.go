// Package blockstore persists the block hashes of previous fetch runs so a
// later run can find where the node's chain and the recorded chain agree.
//
// Two backends implement Store: BoltStore (the default, a single bbolt file)
// and BadgerStore (a badger directory, or memory for tests).
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fortiblox/btcfetch/internal/types"
)

var (
	// ErrNotFound is returned when no hash is recorded at a height.
	ErrNotFound = errors.New("height not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("blockstore closed")

	// ErrInvalidHeight is returned for negative heights.
	ErrInvalidHeight = errors.New("invalid block height")

	// ErrUnknownBackend is returned by Open for an unsupported backend.
	ErrUnknownBackend = errors.New("unknown blockstore backend")
)

// Backend names.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// Config holds blockstore configuration options.
type Config struct {
	// Path is the bbolt file, or the badger directory.
	Path string

	// Backend selects the storage engine. Defaults to BackendBolt.
	Backend string

	// RetainBlocks bounds how many heights below the latest are kept after
	// each write. Zero keeps everything.
	RetainBlocks int64

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// InMemory keeps a badger store in memory. Not supported by bolt.
	InMemory bool

	// ReadOnly opens the store without write access.
	ReadOnly bool

	// Logger receives storage logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default blockstore configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Backend: BackendBolt,
	}
}

// Store records one block hash per height.
type Store interface {
	// Put records hash at height, leaving other heights untouched.
	Put(height int64, hash types.BlockHash) error

	// PutRange records hashes at consecutive heights starting at from. Any
	// recorded height above the range is dropped: the range becomes the
	// recorded tip.
	PutRange(from int64, hashes []types.BlockHash) error

	// Get returns the hash at height, or ErrNotFound.
	Get(height int64) (types.BlockHash, error)

	// Lookup is Get with a found flag instead of ErrNotFound.
	Lookup(height int64) (types.BlockHash, bool, error)

	// Latest returns the highest recorded height.
	Latest() (int64, bool)

	// Oldest returns the lowest recorded height.
	Oldest() (int64, bool)

	// Prune drops heights more than retain below the latest and returns the
	// number of heights removed.
	Prune(retain int64) (int64, error)

	// Stats summarizes the store.
	Stats() (Stats, error)

	Close() error
}

// Stats contains blockstore statistics.
type Stats struct {
	Backend string
	Latest  int64
	Oldest  int64
	Count   int64
	Empty   bool
}

// Open creates or opens the store selected by config.Backend.
func Open(config Config) (Store, error) {
	switch config.Backend {
	case "", BackendBolt:
		return OpenBolt(config)
	case BackendBadger:
		return OpenBadger(config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
}

// EncodeHeightKey encodes a height as a big-endian 8-byte key, so keys sort
// in height order.
func EncodeHeightKey(height int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(height))
	return key
}

// DecodeHeightKey decodes a height from a big-endian 8-byte key.
func DecodeHeightKey(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key))
}

func decodeHash(height int64, v []byte) (types.BlockHash, error) {
	var hash types.BlockHash
	if len(v) != types.HashSize {
		return hash, fmt.Errorf("corrupt hash at height %d: %d bytes", height, len(v))
	}
	copy(hash[:], v)
	return hash, nil
}

// bounds caches the recorded height range.
type bounds struct {
	latest int64
	oldest int64
	ok     bool
}

// extend returns the bounds after writing [from, end]. truncate means
// heights above end were dropped.
func (b bounds) extend(from, end int64, truncate bool) bounds {
	if !b.ok {
		return bounds{latest: end, oldest: from, ok: true}
	}
	next := b
	next.oldest = min(b.oldest, from)
	if truncate {
		next.latest = end
	} else {
		next.latest = max(b.latest, end)
	}
	return next
}

// pruneCutoff returns the first height kept when retaining retain heights.
func (b bounds) pruneCutoff(retain int64) (int64, bool) {
	if !b.ok || retain <= 0 {
		return 0, false
	}
	cutoff := b.latest - retain + 1
	if cutoff <= b.oldest {
		return 0, false
	}
	return cutoff, true
}
