package blockstore

import (
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/btcfetch/internal/types"
)

func testHash(height int64, branch byte) types.BlockHash {
	return types.BlockHash(sha256.Sum256(append(EncodeHeightKey(height), branch)))
}

func testHashes(from, to int64, branch byte) []types.BlockHash {
	var out []types.BlockHash
	for h := from; h <= to; h++ {
		out = append(out, testHash(h, branch))
	}
	return out
}

// openBackends opens one store per backend.
func openBackends(t *testing.T, mutate func(*Config)) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	configs := map[string]Config{
		BackendBolt:   DefaultConfig(filepath.Join(dir, "ledger.db")),
		BackendBadger: {Backend: BackendBadger, InMemory: true},
	}

	stores := make(map[string]Store)
	for name, cfg := range configs {
		if mutate != nil {
			mutate(&cfg)
		}
		store, err := Open(cfg)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		t.Cleanup(func() { store.Close() })
		stores[name] = store
	}
	return stores
}

func TestStoreBasics(t *testing.T) {
	for name, store := range openBackends(t, nil) {
		t.Run(name, func(t *testing.T) {
			if _, ok := store.Latest(); ok {
				t.Fatal("expected empty store")
			}
			if _, err := store.Get(5); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := store.PutRange(100, testHashes(100, 110, 0)); err != nil {
				t.Fatalf("put range: %v", err)
			}

			got, err := store.Get(105)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got != testHash(105, 0) {
				t.Errorf("height 105: got %s", got)
			}

			if latest, _ := store.Latest(); latest != 110 {
				t.Errorf("expected latest 110, got %d", latest)
			}
			if oldest, _ := store.Oldest(); oldest != 100 {
				t.Errorf("expected oldest 100, got %d", oldest)
			}

			_, found, err := store.Lookup(99)
			if err != nil || found {
				t.Errorf("expected no hash at 99, found=%v err=%v", found, err)
			}

			stats, err := store.Stats()
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Count != 11 || stats.Backend != name || stats.Empty {
				t.Errorf("unexpected stats %+v", stats)
			}

			if err := store.Put(-1, testHash(0, 0)); !errors.Is(err, ErrInvalidHeight) {
				t.Errorf("expected ErrInvalidHeight, got %v", err)
			}
		})
	}
}

func TestPutRangeDropsReplacedBranch(t *testing.T) {
	for name, store := range openBackends(t, nil) {
		t.Run(name, func(t *testing.T) {
			if err := store.PutRange(0, testHashes(0, 20, 0)); err != nil {
				t.Fatal(err)
			}
			// A reorg at 15 replaced by a shorter branch ending at 17.
			if err := store.PutRange(15, testHashes(15, 17, 1)); err != nil {
				t.Fatal(err)
			}

			if latest, _ := store.Latest(); latest != 17 {
				t.Errorf("expected latest 17, got %d", latest)
			}
			if _, err := store.Get(18); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected height 18 dropped, got %v", err)
			}
			if got, _ := store.Get(16); got != testHash(16, 1) {
				t.Errorf("height 16 not replaced")
			}
			if got, _ := store.Get(14); got != testHash(14, 0) {
				t.Errorf("height 14 changed")
			}
		})
	}
}

func TestPutKeepsHigherHeights(t *testing.T) {
	for name, store := range openBackends(t, nil) {
		t.Run(name, func(t *testing.T) {
			if err := store.PutRange(10, testHashes(10, 20, 0)); err != nil {
				t.Fatal(err)
			}
			if err := store.Put(12, testHash(12, 1)); err != nil {
				t.Fatal(err)
			}
			if latest, _ := store.Latest(); latest != 20 {
				t.Errorf("expected latest 20, got %d", latest)
			}
			if err := store.Put(5, testHash(5, 0)); err != nil {
				t.Fatal(err)
			}
			if oldest, _ := store.Oldest(); oldest != 5 {
				t.Errorf("expected oldest 5, got %d", oldest)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	for name, store := range openBackends(t, nil) {
		t.Run(name, func(t *testing.T) {
			if err := store.PutRange(0, testHashes(0, 99, 0)); err != nil {
				t.Fatal(err)
			}

			pruned, err := store.Prune(10)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if pruned != 90 {
				t.Errorf("expected 90 pruned, got %d", pruned)
			}
			if oldest, _ := store.Oldest(); oldest != 90 {
				t.Errorf("expected oldest 90, got %d", oldest)
			}
			if _, err := store.Get(89); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected height 89 pruned, got %v", err)
			}

			// Already within the window.
			if pruned, _ := store.Prune(10); pruned != 0 {
				t.Errorf("expected nothing pruned, got %d", pruned)
			}
		})
	}
}

func TestRetainBlocks(t *testing.T) {
	stores := openBackends(t, func(c *Config) { c.RetainBlocks = 5 })
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			if err := store.PutRange(0, testHashes(0, 19, 0)); err != nil {
				t.Fatal(err)
			}
			stats, err := store.Stats()
			if err != nil {
				t.Fatal(err)
			}
			if stats.Count != 5 || stats.Oldest != 15 || stats.Latest != 19 {
				t.Errorf("unexpected stats %+v", stats)
			}
		})
	}
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "ledger.db")

	store, err := OpenBolt(DefaultConfig(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.PutRange(700000, testHashes(700000, 700800, 0)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(700000); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	store, err = OpenBolt(DefaultConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	latest, ok := store.Latest()
	if !ok || latest != 700800 {
		t.Errorf("expected latest 700800 after reopen, got %d (%v)", latest, ok)
	}
	if oldest, _ := store.Oldest(); oldest != 700000 {
		t.Errorf("expected oldest 700000 after reopen, got %d", oldest)
	}
	if got, _ := store.Get(700400); got != testHash(700400, 0) {
		t.Errorf("hash at 700400 lost across reopen")
	}
}

func TestBadgerReopen(t *testing.T) {
	cfg := Config{Backend: BackendBadger, Path: t.TempDir()}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.PutRange(10, testHashes(10, 30, 0)); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	if latest, _ := store.Latest(); latest != 30 {
		t.Errorf("expected latest 30 after reopen, got %d", latest)
	}
	if got, _ := store.Get(20); got != testHash(20, 0) {
		t.Errorf("hash at 20 lost across reopen")
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(Config{Backend: "leveldb"}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := Open(Config{Backend: BackendBolt, InMemory: true}); err == nil {
		t.Error("expected bolt to reject in-memory mode")
	}
}

func TestHeightKeyOrder(t *testing.T) {
	a, b := EncodeHeightKey(255), EncodeHeightKey(256)
	if string(a) >= string(b) {
		t.Error("height keys must sort numerically")
	}
	if DecodeHeightKey(b) != 256 {
		t.Errorf("round trip failed: %d", DecodeHeightKey(b))
	}
}
