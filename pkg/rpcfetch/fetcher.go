package rpcfetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/btcfetch/internal/types"
	"github.com/fortiblox/btcfetch/pkg/chain"
)

// Default configuration values.
const (
	// DefaultMaxConcurrency is the default number of in-flight queries per batch.
	DefaultMaxConcurrency = 64
)

// Config holds configuration for the Fetcher.
type Config struct {
	// MaxConcurrency bounds in-flight queries per batch. Negative removes the
	// bound and dispatches every query at once.
	MaxConcurrency int

	// OnItem is called after each successfully fetched item (optional).
	// It may be called from multiple goroutines.
	OnItem func()

	// Logger receives batch logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Fetcher fans chain queries out concurrently and gathers the results in
// input order.
type Fetcher struct {
	config Config
	q      chain.Querier
	log    *slog.Logger
}

// NewFetcher creates a fetcher over q.
func NewFetcher(q chain.Querier, config Config) (*Fetcher, error) {
	if q == nil {
		return nil, ErrNoQuerier
	}
	config = config.WithDefaults()

	return &Fetcher{
		config: config,
		q:      q,
		log:    config.Logger.With("component", "rpcfetch"),
	}, nil
}

// Result is the outcome of one item of a batch.
type Result[T any] struct {
	Value T
	Err   error
}

// Batch holds per-item outcomes, positionally matching the batch input.
type Batch[T any] []Result[T]

// Failed returns the positions whose query failed.
func (b Batch[T]) Failed() []int {
	var failed []int
	for i, r := range b {
		if r.Err != nil {
			failed = append(failed, i)
		}
	}
	return failed
}

// Values returns the values if every item succeeded, otherwise the joined
// item errors.
func (b Batch[T]) Values() ([]T, error) {
	var errs []error
	values := make([]T, len(b))
	for i, r := range b {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		values[i] = r.Value
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return values, nil
}

// FetchHashes fetches the hash of every height in w. The first failure
// cancels the remaining queries and fails the whole batch.
func (f *Fetcher) FetchHashes(ctx context.Context, w Window) ([]types.BlockHash, error) {
	heights := w.Heights()
	f.log.Debug("fetching block hashes", "from", w.From, "target", w.Target, "count", len(heights))
	return fetchAll(ctx, f, heights, f.hashAt)
}

// FetchHeaders fetches the header of every hash. The first failure cancels
// the remaining queries and fails the whole batch.
func (f *Fetcher) FetchHeaders(ctx context.Context, hashes []types.BlockHash) ([]types.BlockHeader, error) {
	f.log.Debug("fetching block headers", "count", len(hashes))
	return fetchAll(ctx, f, hashes, f.headerOf)
}

// CollectHashes fetches the hash of every height, recording each outcome
// instead of failing fast.
func (f *Fetcher) CollectHashes(ctx context.Context, heights []int64) Batch[types.BlockHash] {
	return collectAll(ctx, f, heights, f.hashAt)
}

// CollectHeaders fetches the header of every hash, recording each outcome
// instead of failing fast.
func (f *Fetcher) CollectHeaders(ctx context.Context, hashes []types.BlockHash) Batch[types.BlockHeader] {
	return collectAll(ctx, f, hashes, f.headerOf)
}

// FetchHashesWithRetry collects the hashes of w and re-issues only the failed
// heights up to retries more times.
func (f *Fetcher) FetchHashesWithRetry(ctx context.Context, w Window, retries int) ([]types.BlockHash, error) {
	return retryFailed(ctx, f, w.Heights(), retries, f.CollectHashes)
}

// FetchHeadersWithRetry collects the headers of hashes and re-issues only the
// failed ones up to retries more times.
func (f *Fetcher) FetchHeadersWithRetry(ctx context.Context, hashes []types.BlockHash, retries int) ([]types.BlockHeader, error) {
	return retryFailed(ctx, f, hashes, retries, f.CollectHeaders)
}

func (f *Fetcher) hashAt(ctx context.Context, height int64) (types.BlockHash, error) {
	hash, err := f.q.GetBlockHash(ctx, height)
	if err != nil {
		return hash, fmt.Errorf("block hash at height %d: %w", height, err)
	}
	return hash, nil
}

func (f *Fetcher) headerOf(ctx context.Context, hash types.BlockHash) (types.BlockHeader, error) {
	header, err := f.q.GetBlockHeader(ctx, hash)
	if err != nil {
		return header, fmt.Errorf("block header %s: %w", hash, err)
	}
	return header, nil
}

func (f *Fetcher) itemDone() {
	if f.config.OnItem != nil {
		f.config.OnItem()
	}
}

// fetchAll runs fn for every input concurrently and stores results by index.
func fetchAll[In, Out any](ctx context.Context, f *Fetcher, inputs []In, fn func(context.Context, In) (Out, error)) ([]Out, error) {
	out := make([]Out, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.MaxConcurrency)

	for i, in := range inputs {
		if gctx.Err() != nil {
			break
		}
		i, in := i, in
		g.Go(func() error {
			v, err := fn(gctx, in)
			if err != nil {
				return err
			}
			out[i] = v
			f.itemDone()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The loop may have stopped early on cancellation with no item failing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// collectAll runs fn for every input concurrently and records every outcome.
func collectAll[In, Out any](ctx context.Context, f *Fetcher, inputs []In, fn func(context.Context, In) (Out, error)) Batch[Out] {
	batch := make(Batch[Out], len(inputs))
	var g errgroup.Group
	g.SetLimit(f.config.MaxConcurrency)

	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			v, err := fn(ctx, in)
			batch[i] = Result[Out]{Value: v, Err: err}
			if err == nil {
				f.itemDone()
			}
			return nil
		})
	}
	_ = g.Wait()
	return batch
}

// retryFailed collects inputs, then re-collects only the failed positions.
func retryFailed[In, Out any](ctx context.Context, f *Fetcher, inputs []In, retries int, collect func(context.Context, []In) Batch[Out]) ([]Out, error) {
	batch := collect(ctx, inputs)

	for attempt := 1; attempt <= retries; attempt++ {
		failed := batch.Failed()
		if len(failed) == 0 || ctx.Err() != nil {
			break
		}
		f.log.Warn("retrying failed batch items", "attempt", attempt, "failed", len(failed), "total", len(inputs))

		subset := make([]In, len(failed))
		for j, idx := range failed {
			subset[j] = inputs[idx]
		}
		retried := collect(ctx, subset)
		for j, idx := range failed {
			batch[idx] = retried[j]
		}
	}

	return batch.Values()
}
