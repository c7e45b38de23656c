package rpcfetch

import (
	"context"
	"fmt"

	"github.com/fortiblox/btcfetch/internal/types"
)

// DefaultMaxLookback is the default number of heights compared when walking
// back to a common ancestor (about one day of blocks).
const DefaultMaxLookback = 144

// Ledger is the record of previously fetched block hashes.
type Ledger interface {
	// Lookup returns the hash recorded at height, if any.
	Lookup(height int64) (types.BlockHash, bool, error)

	// Latest returns the highest recorded height.
	Latest() (int64, bool)

	// Oldest returns the lowest recorded height.
	Oldest() (int64, bool)
}

// HashQuerier fetches the node's hash at a height.
type HashQuerier interface {
	GetBlockHash(ctx context.Context, height int64) (types.BlockHash, error)
}

// Ancestor is the most recent height where the ledger and the node agree.
type Ancestor struct {
	Height int64
	Hash   types.BlockHash
}

// FindCommonAncestor walks backward from min(tip, latest recorded height),
// comparing the node's hash with the recorded one at each height. The first
// match is returned. Heights missing from the ledger are skipped but count
// toward maxLookback. If no match is found before the bound or the oldest
// recorded height, a *ChainForkError is returned.
func FindCommonAncestor(ctx context.Context, q HashQuerier, ledger Ledger, tip int64, maxLookback int64) (Ancestor, error) {
	latest, ok := ledger.Latest()
	if !ok {
		return Ancestor{}, ErrNoHistory
	}
	oldest, _ := ledger.Oldest()
	if maxLookback <= 0 {
		maxLookback = DefaultMaxLookback
	}

	start := min(tip, latest)
	var searched int64
	for height := start; height >= oldest && searched < maxLookback; height-- {
		if err := ctx.Err(); err != nil {
			return Ancestor{}, err
		}
		searched++

		recorded, found, err := ledger.Lookup(height)
		if err != nil {
			return Ancestor{}, fmt.Errorf("lookup height %d: %w", height, err)
		}
		if !found {
			continue
		}

		current, err := q.GetBlockHash(ctx, height)
		if err != nil {
			return Ancestor{}, fmt.Errorf("block hash at height %d: %w", height, err)
		}
		if current == recorded {
			return Ancestor{Height: height, Hash: current}, nil
		}
	}

	return Ancestor{}, &ChainForkError{Tip: tip, Start: start, Searched: searched}
}
