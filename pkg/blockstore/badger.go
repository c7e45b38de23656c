package blockstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/btcfetch/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixHash is the prefix for block hashes.
	// Key format: prefixHash + height (8 bytes, big-endian)
	prefixHash = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	// Key format: prefixMeta + key name
	prefixMeta = []byte{0x02}

	metaLatest = append(append([]byte{}, prefixMeta...), keyLatestHeight...)
	metaOldest = append(append([]byte{}, prefixMeta...), keyOldestHeight...)
)

func hashKey(height int64) []byte {
	return append(append(make([]byte, 0, 9), prefixHash...), EncodeHeightKey(height)...)
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	config Config
	log    *slog.Logger

	mu     sync.RWMutex
	bounds bounds
	closed bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger creates or opens a badger store in the config.Path directory.
func OpenBadger(config Config) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	log := config.Logger.With("component", "blockstore", "backend", BackendBadger)

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(!config.NoSync).
		WithReadOnly(config.ReadOnly).
		WithNumCompactors(2).
		WithLogger(badgerLogger{log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	store := &BadgerStore{db: db, config: config, log: log}
	if err := store.loadBounds(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return store, nil
}

func (s *BadgerStore) loadBounds() error {
	return s.db.View(func(txn *badger.Txn) error {
		latest, err := getHeight(txn, metaLatest)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		oldest, err := getHeight(txn, metaOldest)
		if err != nil {
			return err
		}
		s.bounds = bounds{latest: latest, oldest: oldest, ok: true}
		return nil
	})
}

func getHeight(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	var height int64
	err = item.Value(func(val []byte) error {
		height = DecodeHeightKey(val)
		return nil
	})
	return height, err
}

func setBounds(txn *badger.Txn, b bounds) error {
	if err := txn.Set(metaLatest, EncodeHeightKey(b.latest)); err != nil {
		return err
	}
	return txn.Set(metaOldest, EncodeHeightKey(b.oldest))
}

// keysFrom lists hash keys from height start upward, stopping before stop
// (stop < 0 means no upper bound).
func keysFrom(txn *badger.Txn, start, stop int64) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefixHash
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(hashKey(start)); it.ValidForPrefix(prefixHash); it.Next() {
		key := it.Item().KeyCopy(nil)
		if stop >= 0 && DecodeHeightKey(key[len(prefixHash):]) >= stop {
			break
		}
		keys = append(keys, key)
	}
	return keys
}

// firstHeight returns the lowest recorded height at or above start, or start
// when there is none.
func firstHeight(txn *badger.Txn, start int64) int64 {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefixHash
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(hashKey(start))
	if !it.ValidForPrefix(prefixHash) {
		return start
	}
	return DecodeHeightKey(it.Item().Key()[len(prefixHash):])
}

// Put records hash at height.
func (s *BadgerStore) Put(height int64, hash types.BlockHash) error {
	return s.write(height, []types.BlockHash{hash}, false)
}

// PutRange records hashes from height from and drops anything above them.
func (s *BadgerStore) PutRange(from int64, hashes []types.BlockHash) error {
	return s.write(from, hashes, true)
}

func (s *BadgerStore) write(from int64, hashes []types.BlockHash, truncate bool) error {
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

	err := s.db.Update(func(txn *badger.Txn) error {
		if truncate {
			stale := keysFrom(txn, end+1, -1)
			for _, k := range stale {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			dropped = len(stale)
		}
		for i, hash := range hashes {
			if err := txn.Set(hashKey(from+int64(i)), hash.Bytes()); err != nil {
				return fmt.Errorf("put height %d: %w", from+int64(i), err)
			}
		}
		return setBounds(txn, next)
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
func (s *BadgerStore) Get(height int64) (types.BlockHash, error) {
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
func (s *BadgerStore) Lookup(height int64) (types.BlockHash, bool, error) {
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
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(height))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			hash, err = decodeHash(height, val)
			return err
		})
	})
	return hash, found, err
}

// Latest returns the highest recorded height.
func (s *BadgerStore) Latest() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds.latest, s.bounds.ok
}

// Oldest returns the lowest recorded height.
func (s *BadgerStore) Oldest() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds.oldest, s.bounds.ok
}

// Prune removes heights older than the retention window.
func (s *BadgerStore) Prune(retain int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.pruneLocked(retain)
}

func (s *BadgerStore) pruneLocked(retain int64) (int64, error) {
	cutoff, ok := s.bounds.pruneCutoff(retain)
	if !ok {
		return 0, nil
	}

	var old [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		old = keysFrom(txn, 0, cutoff)
		return nil
	})
	if err != nil {
		return 0, err
	}

	// A large prune can exceed one transaction; the write batch splits it.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range old {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete height %d: %w", DecodeHeightKey(k[len(prefixHash):]), err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	next := s.bounds
	err = s.db.Update(func(txn *badger.Txn) error {
		next.oldest = firstHeight(txn, cutoff)
		return setBounds(txn, next)
	})
	if err != nil {
		return 0, err
	}

	s.bounds = next
	if len(old) > 0 {
		s.log.Debug("pruned ledger", "pruned", len(old), "oldest", next.oldest)
	}
	return int64(len(old)), nil
}

// Stats returns blockstore statistics.
func (s *BadgerStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	stats := Stats{
		Backend: BackendBadger,
		Latest:  s.bounds.latest,
		Oldest:  s.bounds.oldest,
		Empty:   !s.bounds.ok,
	}
	err := s.db.View(func(txn *badger.Txn) error {
		stats.Count = int64(len(keysFrom(txn, 0, -1)))
		return nil
	})
	return stats, err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// badgerLogger routes badger's logs to slog. Infof is demoted to debug.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l badgerLogger) Warningf(format string, v ...any) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

func (l badgerLogger) Infof(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l badgerLogger) Debugf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
