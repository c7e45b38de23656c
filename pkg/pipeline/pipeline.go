// Package pipeline runs one fetch: it resolves the window against the node
// tip (and the ledger of a previous run, if any), fetches hashes and headers,
// writes the encoded artifact and then records the fetched hashes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortiblox/btcfetch/internal/types"
	"github.com/fortiblox/btcfetch/pkg/chain"
	"github.com/fortiblox/btcfetch/pkg/encoder"
	"github.com/fortiblox/btcfetch/pkg/rpcfetch"
)

// ErrConfigInvalid is returned for an unusable configuration.
var ErrConfigInvalid = errors.New("invalid pipeline configuration")

// Default configuration values.
const (
	// DefaultFromHeight is the first height fetched when there is no ledger.
	DefaultFromHeight = 700000

	// DefaultBatchRetries is how many times failed batch items are re-issued.
	DefaultBatchRetries = 1
)

// Ledger records the hashes of previous runs.
type Ledger interface {
	rpcfetch.Ledger
	PutRange(from int64, hashes []types.BlockHash) error
}

// Recorder receives run telemetry. *metrics.Metrics implements it.
type Recorder interface {
	SetTip(height int64)
	BlocksFetched(n int)
	RunFinished(err error)
}

// Config holds pipeline configuration.
type Config struct {
	// FromHeight is the anchor height of the window when the ledger is
	// empty or absent. A ledger ancestor below it is ignored.
	FromHeight int64

	// MaxBlocks bounds the window: target = min(tip, from+MaxBlocks).
	MaxBlocks int64

	// MaxLookback bounds the common-ancestor walk-back.
	MaxLookback int64

	// BatchRetries re-issues only the failed items of a batch this many
	// times. Zero fails the run on the first error.
	BatchRetries int

	// Output is the artifact path.
	Output string

	// Compress writes the artifact as zstd-compressed JSON.
	Compress bool

	// VerifyLinkage checks headers hash to the fetched hashes and chain
	// together before anything is written.
	VerifyLinkage bool

	// Fetch configures the concurrent fetcher.
	Fetch rpcfetch.Config

	// Ledger enables incremental runs (optional).
	Ledger Ledger

	// Recorder receives telemetry (optional).
	Recorder Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FromHeight:   DefaultFromHeight,
		MaxBlocks:    rpcfetch.DefaultMaxBlocks,
		MaxLookback:  rpcfetch.DefaultMaxLookback,
		BatchRetries: DefaultBatchRetries,
		Output:       encoder.DefaultOutputPath,
		Fetch:        rpcfetch.DefaultConfig(),
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	if c.MaxBlocks == 0 {
		c.MaxBlocks = rpcfetch.DefaultMaxBlocks
	}
	if c.MaxLookback == 0 {
		c.MaxLookback = rpcfetch.DefaultMaxLookback
	}
	if c.Output == "" {
		c.Output = encoder.DefaultOutputPath
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Fetch.Logger == nil {
		c.Fetch.Logger = c.Logger
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.FromHeight < 0 {
		return fmt.Errorf("%w: negative start height %d", ErrConfigInvalid, c.FromHeight)
	}
	if c.MaxBlocks <= 0 {
		return fmt.Errorf("%w: max blocks must be positive", ErrConfigInvalid)
	}
	if c.BatchRetries < 0 {
		return fmt.Errorf("%w: negative batch retries", ErrConfigInvalid)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: output path is required", ErrConfigInvalid)
	}
	return nil
}

// Summary describes a finished run.
type Summary struct {
	// Tip is the node's block count at the start of the run.
	Tip int64

	// Window is the fetched range, anchor included.
	Window rpcfetch.Window

	// Ancestor is set when the window was anchored on the ledger.
	Ancestor *rpcfetch.Ancestor

	// Blocks is the number of encoded blocks, anchor excluded.
	Blocks int

	// Output is the artifact path, empty when nothing was written.
	Output string

	// Digest is the BLAKE3 digest of the artifact's JSON.
	Digest string

	// UpToDate is set when the ledger already reached the tip.
	UpToDate bool

	Elapsed time.Duration
}

// Pipeline runs fetches against one node.
type Pipeline struct {
	config  Config
	q       chain.Querier
	fetcher *rpcfetch.Fetcher
	log     *slog.Logger
}

// New creates a pipeline over q.
func New(q chain.Querier, config Config) (*Pipeline, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	fetcher, err := rpcfetch.NewFetcher(q, config.Fetch)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		config:  config,
		q:       q,
		fetcher: fetcher,
		log:     config.Logger.With("component", "pipeline"),
	}, nil
}

// Run performs one fetch. On any error before the artifact is written,
// neither the artifact nor the ledger is touched.
func (p *Pipeline) Run(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	defer func() {
		if p.config.Recorder != nil {
			p.config.Recorder.RunFinished(err)
		}
		if summary != nil {
			summary.Elapsed = time.Since(start)
		}
	}()

	tip, err := p.q.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tip: %w", err)
	}
	if p.config.Recorder != nil {
		p.config.Recorder.SetTip(tip)
	}
	summary = &Summary{Tip: tip}

	from := p.config.FromHeight
	if p.config.Ledger != nil {
		ancestor, err := rpcfetch.FindCommonAncestor(ctx, p.q, p.config.Ledger, tip, p.config.MaxLookback)
		switch {
		case errors.Is(err, rpcfetch.ErrNoHistory):
			p.log.Info("ledger is empty, starting at configured height", "from", from)
		case err != nil:
			return nil, fmt.Errorf("find common ancestor: %w", err)
		case ancestor.Height >= from:
			p.log.Info("resuming from ledger", "ancestor", ancestor.Height, "hash", ancestor.Hash)
			from = ancestor.Height
			summary.Ancestor = &ancestor
		default:
			p.log.Info("ledger ancestor below configured height, ignoring", "ancestor", ancestor.Height, "from", from)
		}

		if summary.Ancestor != nil && summary.Ancestor.Height == tip {
			p.log.Info("ledger is at node tip, nothing to fetch", "tip", tip)
			summary.Window = rpcfetch.Window{From: tip, Target: tip}
			summary.UpToDate = true
			return summary, nil
		}
	}

	w, err := rpcfetch.ResolveWindow(from, tip, p.config.MaxBlocks)
	if err != nil {
		return nil, err
	}
	summary.Window = w
	p.log.Info("fetching window", "from", w.From, "target", w.Target, "tip", tip)

	hashes, headers, err := p.fetch(ctx, w)
	if err != nil {
		return nil, err
	}

	if p.config.VerifyLinkage {
		if err := encoder.VerifyLinkage(w.From, hashes, headers); err != nil {
			return nil, err
		}
	}

	rec, err := encoder.Encode(w, hashes, headers)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	digest, err := encoder.Digest(rec)
	if err != nil {
		return nil, err
	}
	summary.Digest = digest
	if err := encoder.WriteFile(p.config.Output, rec, encoder.Options{Compress: p.config.Compress}); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	summary.Blocks = rec.Len()
	summary.Output = p.config.Output
	if p.config.Recorder != nil {
		p.config.Recorder.BlocksFetched(rec.Len())
	}
	p.log.Info("wrote artifact", "path", p.config.Output, "blocks", rec.Len(), "blake3", summary.Digest)

	if p.config.Ledger != nil {
		if err := p.config.Ledger.PutRange(w.From, hashes); err != nil {
			return summary, fmt.Errorf("record hashes: %w", err)
		}
	}
	return summary, nil
}

func (p *Pipeline) fetch(ctx context.Context, w rpcfetch.Window) ([]types.BlockHash, []types.BlockHeader, error) {
	var (
		hashes  []types.BlockHash
		headers []types.BlockHeader
		err     error
	)

	if p.config.BatchRetries > 0 {
		hashes, err = p.fetcher.FetchHashesWithRetry(ctx, w, p.config.BatchRetries)
	} else {
		hashes, err = p.fetcher.FetchHashes(ctx, w)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetch hashes: %w", err)
	}

	if p.config.BatchRetries > 0 {
		headers, err = p.fetcher.FetchHeadersWithRetry(ctx, hashes, p.config.BatchRetries)
	} else {
		headers, err = p.fetcher.FetchHeaders(ctx, hashes)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetch headers: %w", err)
	}

	return hashes, headers, nil
}
