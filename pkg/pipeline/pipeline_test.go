package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/btcfetch/internal/types"
	"github.com/fortiblox/btcfetch/pkg/blockstore"
	"github.com/fortiblox/btcfetch/pkg/chain"
	"github.com/fortiblox/btcfetch/pkg/encoder"
	"github.com/fortiblox/btcfetch/pkg/jsonrpc"
	"github.com/fortiblox/btcfetch/pkg/rpcfetch"
)

// testChain is a linked header chain: each header's prev field holds the
// previous header's hash.
type testChain struct {
	headers []types.BlockHeader
	hashes  []types.BlockHash
}

// buildChain builds heights 0..tip. Heights above forkAt (if forkAt >= 0)
// belong to a different branch than a chain built with forkAt < 0.
func buildChain(tip, forkAt int64) *testChain {
	c := &testChain{}
	var prev types.BlockHash
	for h := int64(0); h <= tip; h++ {
		var hdr types.BlockHeader
		binary.LittleEndian.PutUint32(hdr[0:4], 2)
		internal := prev.Chainhash()
		copy(hdr[4:36], internal[:])

		var seed [9]byte
		binary.BigEndian.PutUint64(seed[:8], uint64(h))
		if forkAt >= 0 && h > forkAt {
			seed[8] = 1
		}
		merkle := sha256.Sum256(seed[:])
		copy(hdr[36:68], merkle[:])
		binary.LittleEndian.PutUint32(hdr[68:72], uint32(1231006505+h*600))

		c.headers = append(c.headers, hdr)
		prev = hdr.Hash()
		c.hashes = append(c.hashes, prev)
	}
	return c
}

// testNode serves getblockcount, getblockhash and getblockheader from a
// testChain.
type testNode struct {
	mu       sync.Mutex
	chain    *testChain
	byHash   map[types.BlockHash]types.BlockHeader
	failures map[int64]int
	calls    map[string]int
}

func newTestNode(t *testing.T, c *testChain) (*testNode, chain.Querier) {
	t.Helper()
	n := &testNode{failures: make(map[int64]int), calls: make(map[string]int)}
	n.setChain(c)

	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)

	rpc, err := jsonrpc.NewClient(jsonrpc.DefaultConfig(srv.URL))
	require.NoError(t, err)
	return n, chain.NewClient(rpc)
}

func (n *testNode) setChain(c *testChain) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chain = c
	n.byHash = make(map[types.BlockHash]types.BlockHeader, len(c.hashes))
	for i, h := range c.hashes {
		n.byHash[h] = c.headers[i]
	}
}

func (n *testNode) failHeight(height int64, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[height] = times
}

func (n *testNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *testNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64             `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	fail := func(code int, msg string) {
		resp["error"] = map[string]any{"code": code, "message": msg}
	}

	tip := int64(len(n.chain.hashes) - 1)
	switch req.Method {
	case chain.MethodGetBlockCount:
		resp["result"] = tip
	case chain.MethodGetBlockHash:
		var height int64
		_ = json.Unmarshal(req.Params[0], &height)
		if left := n.failures[height]; left != 0 {
			if left > 0 {
				n.failures[height] = left - 1
			}
			fail(-1, "node busy")
			break
		}
		if height < 0 || height > tip {
			fail(-8, "Block height out of range")
			break
		}
		resp["result"] = n.chain.hashes[height].String()
	case chain.MethodGetBlockHeader:
		var s string
		_ = json.Unmarshal(req.Params[0], &s)
		hash, err := types.HashFromHex(s)
		hdr, ok := n.byHash[hash]
		if err != nil || !ok {
			fail(-5, "Block not found")
			break
		}
		resp["result"] = hdr.Hex()
	default:
		fail(-32601, "Method not found")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type countingRecorder struct {
	tip    int64
	blocks int
	runs   []error
}

func (r *countingRecorder) SetTip(height int64) {
	r.tip = height
}

func (r *countingRecorder) BlocksFetched(n int) {
	r.blocks += n
}

func (r *countingRecorder) RunFinished(err error) {
	r.runs = append(r.runs, err)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FromHeight = 100
	cfg.MaxBlocks = 50
	cfg.Output = filepath.Join(t.TempDir(), encoder.DefaultOutputPath)
	cfg.VerifyLinkage = true
	cfg.Fetch.MaxConcurrency = 8
	return cfg
}

func openLedger(t *testing.T) blockstore.Store {
	t.Helper()
	store, err := blockstore.Open(blockstore.DefaultConfig(filepath.Join(t.TempDir(), "ledger.db")))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func runOnce(t *testing.T, q chain.Querier, cfg Config) (*Summary, error) {
	t.Helper()
	p, err := New(q, cfg)
	require.NoError(t, err)
	return p.Run(context.Background())
}

func TestRunWritesArtifact(t *testing.T) {
	c := buildChain(1000, -1)
	_, q := newTestNode(t, c)
	rec := &countingRecorder{}
	cfg := testConfig(t)
	cfg.Recorder = rec

	summary, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), summary.Tip)
	assert.Equal(t, rpcfetch.Window{From: 100, Target: 150}, summary.Window)
	assert.Equal(t, 50, summary.Blocks)
	assert.Nil(t, summary.Ancestor)

	artifact, err := encoder.ReadFile(cfg.Output)
	require.NoError(t, err)
	digest, err := encoder.Digest(artifact)
	require.NoError(t, err)
	assert.Equal(t, digest, summary.Digest)
	assert.Equal(t, encoder.SplitHash(c.hashes[100]), artifact.PrevBlockHash)
	require.Len(t, artifact.BlockHashes, 50)
	require.Len(t, artifact.BlockHeaders, 50)

	for i := range artifact.BlockHashes {
		height := 101 + i
		hash, err := encoder.JoinHash(artifact.BlockHashes[i])
		require.NoError(t, err)
		assert.Equal(t, c.hashes[height], hash, "height %d", height)

		hdr, err := encoder.IntsToHeader(artifact.BlockHeaders[i])
		require.NoError(t, err)
		assert.Equal(t, c.headers[height], hdr, "height %d", height)
	}

	assert.Equal(t, int64(1000), rec.tip)
	assert.Equal(t, 50, rec.blocks)
	assert.Equal(t, []error{nil}, rec.runs)
}

func TestRunWindowCappedByTip(t *testing.T) {
	_, q := newTestNode(t, buildChain(120, -1))
	summary, err := runOnce(t, q, testConfig(t))
	require.NoError(t, err)
	assert.Equal(t, rpcfetch.Window{From: 100, Target: 120}, summary.Window)
	assert.Equal(t, 20, summary.Blocks)
}

func TestRunStartAboveTip(t *testing.T) {
	_, q := newTestNode(t, buildChain(50, -1))
	cfg := testConfig(t)

	_, err := runOnce(t, q, cfg)
	var rangeErr *rpcfetch.InvalidRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.NoFileExists(t, cfg.Output)
}

func TestRunFailureWritesNothing(t *testing.T) {
	node, q := newTestNode(t, buildChain(1000, -1))
	node.failHeight(120, -1)

	rec := &countingRecorder{}
	ledger := openLedger(t)
	cfg := testConfig(t)
	cfg.BatchRetries = 0
	cfg.Ledger = ledger
	cfg.Recorder = rec

	_, err := runOnce(t, q, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "height 120")

	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -1, rpcErr.Code)

	assert.NoFileExists(t, cfg.Output)
	_, ok := ledger.Latest()
	assert.False(t, ok, "ledger must stay empty")
	require.Len(t, rec.runs, 1)
	assert.Error(t, rec.runs[0])

	entries, err := os.ReadDir(filepath.Dir(cfg.Output))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunRetriesFailedItems(t *testing.T) {
	node, q := newTestNode(t, buildChain(1000, -1))
	node.failHeight(120, 1)
	node.failHeight(130, 1)

	cfg := testConfig(t)
	cfg.BatchRetries = 1

	summary, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Blocks)
	// 51 heights plus one re-issue each for 120 and 130.
	assert.Equal(t, 53, node.callCount(chain.MethodGetBlockHash))
}

func TestRunIncremental(t *testing.T) {
	c := buildChain(200, -1)
	node, q := newTestNode(t, buildChain(150, -1))
	ledger := openLedger(t)
	cfg := testConfig(t)
	cfg.Ledger = ledger

	first, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	assert.Equal(t, rpcfetch.Window{From: 100, Target: 150}, first.Window)
	latest, _ := ledger.Latest()
	assert.Equal(t, int64(150), latest)

	// Nothing new yet.
	again, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	assert.True(t, again.UpToDate)
	assert.Empty(t, again.Output)

	// The node advances.
	node.setChain(c)
	second, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	require.NotNil(t, second.Ancestor)
	assert.Equal(t, int64(150), second.Ancestor.Height)
	assert.Equal(t, rpcfetch.Window{From: 150, Target: 200}, second.Window)

	artifact, err := encoder.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, encoder.SplitHash(c.hashes[150]), artifact.PrevBlockHash)
	assert.Len(t, artifact.BlockHashes, 50)

	latest, _ = ledger.Latest()
	assert.Equal(t, int64(200), latest)
}

func TestRunReorg(t *testing.T) {
	node, q := newTestNode(t, buildChain(150, -1))
	ledger := openLedger(t)
	cfg := testConfig(t)
	cfg.Ledger = ledger

	_, err := runOnce(t, q, cfg)
	require.NoError(t, err)

	forked := buildChain(180, 145)
	node.setChain(forked)

	summary, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	require.NotNil(t, summary.Ancestor)
	assert.Equal(t, int64(145), summary.Ancestor.Height)
	assert.Equal(t, rpcfetch.Window{From: 145, Target: 180}, summary.Window)

	for _, h := range []int64{146, 150, 180} {
		got, err := ledger.Get(h)
		require.NoError(t, err)
		assert.Equal(t, forked.hashes[h], got, "height %d", h)
	}
}

func TestRunForkBeyondLookback(t *testing.T) {
	node, q := newTestNode(t, buildChain(150, -1))
	ledger := openLedger(t)
	cfg := testConfig(t)
	cfg.Ledger = ledger

	_, err := runOnce(t, q, cfg)
	require.NoError(t, err)
	before, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)

	node.setChain(buildChain(160, 140))
	cfg.MaxLookback = 5

	_, err = runOnce(t, q, cfg)
	assert.True(t, rpcfetch.IsChainFork(err), "got %v", err)

	after, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, before, after, "artifact must be left as is")
}

func TestRunLinkageMismatch(t *testing.T) {
	c := buildChain(200, -1)
	// Serve a header that does not hash to the advertised hash.
	c.headers[125][70] ^= 0xff
	_, q := newTestNode(t, c)
	cfg := testConfig(t)

	_, err := runOnce(t, q, cfg)
	var linkErr *encoder.LinkageError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, int64(125), linkErr.Height)
	assert.NoFileExists(t, cfg.Output)
}

func TestRunCompressed(t *testing.T) {
	_, q := newTestNode(t, buildChain(200, -1))
	cfg := testConfig(t)
	cfg.Output += encoder.CompressedSuffix

	_, err := runOnce(t, q, cfg)
	require.NoError(t, err)

	artifact, err := encoder.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, 50, artifact.Len())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative start", func(c *Config) { c.FromHeight = -1 }},
		{"negative max blocks", func(c *Config) { c.MaxBlocks = -5 }},
		{"negative batch retries", func(c *Config) { c.BatchRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(fakeQuerier{}, cfg)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}

	cfg := Config{}.WithDefaults()
	assert.Equal(t, int64(rpcfetch.DefaultMaxBlocks), cfg.MaxBlocks)
	assert.Equal(t, encoder.DefaultOutputPath, cfg.Output)
	assert.NoError(t, cfg.Validate())
}

type fakeQuerier struct{ chain.Querier }
