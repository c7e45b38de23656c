package blockstore

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/btcfetch/internal/types"
)

// Bucket names for BoltDB.
var (
	// bucketHashes stores block hashes keyed by height.
	bucketHashes = []byte("hashes")

	// bucketMetadata stores blockstore metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestHeight = []byte("latest_height")
	keyOldestHeight = []byte("oldest_height")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config
	log    *slog.Logger

	// mu guards the cached bounds and serializes writers.
	mu     sync.RWMutex
	bounds bounds
	closed bool
}

var _ Store = (*BoltStore)(nil)

// OpenBolt creates or opens a bbolt store at config.Path.
func OpenBolt(config Config) (*BoltStore, error) {
	if config.InMemory {
		return nil, fmt.Errorf("bolt backend does not support in-memory mode")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	// Ensure directory exists.
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{
		db:     db,
		config: config,
		log:    config.Logger.With("component", "blockstore", "backend", BackendBolt),
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if err := store.loadBounds(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketHashes, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadBounds() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database, nothing recorded.
		}
		latest, oldest := meta.Get(keyLatestHeight), meta.Get(keyOldestHeight)
		if latest == nil || oldest == nil {
			return nil
		}
		s.bounds = bounds{latest: DecodeHeightKey(latest), oldest: DecodeHeightKey(oldest), ok: true}
		return nil
	})
}

func putBounds(tx *bolt.Tx, b bounds) error {
	meta := tx.Bucket(bucketMetadata)
	if err := meta.Put(keyLatestHeight, EncodeHeightKey(b.latest)); err != nil {
		return err
	}
	return meta.Put(keyOldestHeight, EncodeHeightKey(b.oldest))
}

// Put records hash at height.
func (s *BoltStore) Put(height int64, hash types.BlockHash) error {
	return s.write(height, []types.BlockHash{hash}, false)
}

// PutRange records hashes from height from and drops anything above them.
func (s *BoltStore) PutRange(from int64, hashes []types.BlockHash) error {
	return s.write(from, hashes, true)
}

func (s *BoltStore) write(from int64, hashes []types.BlockHash, truncate bool) error {
	if from < 0 {
		return ErrInvalidHeight
	}
	if len(hashes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	end := from + int64(len(hashes)) - 1
	next := s.bounds.extend(from, end, truncate)
	var dropped int

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)

		if truncate {
			// Collect first; deleting under a live cursor skips keys.
			var stale [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(EncodeHeightKey(end + 1)); k != nil; k, _ = c.Next() {
				stale = append(stale, bytes.Clone(k))
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			dropped = len(stale)
		}

		for i, hash := range hashes {
			if err := b.Put(EncodeHeightKey(from+int64(i)), hash.Bytes()); err != nil {
				return fmt.Errorf("put height %d: %w", from+int64(i), err)
			}
		}
		return putBounds(tx, next)
	})
	if err != nil {
		return err
	}

	s.bounds = next
	if dropped > 0 {
		s.log.Info("dropped heights above new tip", "tip", end, "dropped", dropped)
	}

	if s.config.RetainBlocks > 0 {
		if _, err := s.pruneLocked(s.config.RetainBlocks); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}
	return nil
}

// Get retrieves the hash at height.
func (s *BoltStore) Get(height int64) (types.BlockHash, error) {
	hash, found, err := s.Lookup(height)
	if err != nil {
		return hash, err
	}
	if !found {
		return hash, ErrNotFound
	}
	return hash, nil
}

// Lookup retrieves the hash at height, reporting whether one is recorded.
func (s *BoltStore) Lookup(height int64) (types.BlockHash, bool, error) {
	var hash types.BlockHash
	if height < 0 {
		return hash, false, ErrInvalidHeight
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return hash, false, ErrClosed
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)
		if b == nil {
			return nil
		}
		v := b.Get(EncodeHeightKey(height))
		if v == nil {
			return nil
		}
		found = true
		var err error
		hash, err = decodeHash(height, v)
		return err
	})
	return hash, found, err
}

// Latest returns the highest recorded height.
func (s *BoltStore) Latest() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds.latest, s.bounds.ok
}

// Oldest returns the lowest recorded height.
func (s *BoltStore) Oldest() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds.oldest, s.bounds.ok
}

// Prune removes heights older than the retention window.
// Returns the number of heights pruned.
func (s *BoltStore) Prune(retain int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.pruneLocked(retain)
}

func (s *BoltStore) pruneLocked(retain int64) (int64, error) {
	cutoff, ok := s.bounds.pruneCutoff(retain)
	if !ok {
		return 0, nil // Nothing to prune.
	}

	var pruned int64
	next := s.bounds
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)
		maxKey := EncodeHeightKey(cutoff)

		var old [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, maxKey) < 0; k, _ = c.Next() {
			old = append(old, bytes.Clone(k))
		}
		for _, k := range old {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete height %d: %w", DecodeHeightKey(k), err)
			}
		}
		pruned = int64(len(old))

		if k, _ := b.Cursor().First(); k != nil {
			next.oldest = DecodeHeightKey(k)
		} else {
			next.oldest = cutoff
		}
		return putBounds(tx, next)
	})
	if err != nil {
		return 0, err
	}

	s.bounds = next
	if pruned > 0 {
		s.log.Debug("pruned ledger", "pruned", pruned, "oldest", next.oldest)
	}
	return pruned, nil
}

// Stats returns blockstore statistics.
func (s *BoltStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	stats := Stats{
		Backend: BackendBolt,
		Latest:  s.bounds.latest,
		Oldest:  s.bounds.oldest,
		Empty:   !s.bounds.ok,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketHashes); b != nil {
			stats.Count = int64(b.Stats().KeyN)
		}
		return nil
	})
	return stats, err
}

// Close shuts down the blockstore.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
