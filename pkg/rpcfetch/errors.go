package rpcfetch

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrNoQuerier is returned when a Fetcher is created without a chain client.
	ErrNoQuerier = errors.New("no chain querier")

	// ErrNoHistory is returned by FindCommonAncestor when the ledger is empty.
	ErrNoHistory = errors.New("no recorded block hashes")
)

// InvalidRangeError reports a fetch window that cannot be built.
type InvalidRangeError struct {
	From      int64
	Tip       int64
	MaxBlocks int64
	Reason    string
}

// Error implements the error interface.
func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range from %d to tip %d (max %d): %s", e.From, e.Tip, e.MaxBlocks, e.Reason)
}

// ChainForkError is returned when no recorded hash matches the node's chain
// within the lookback bound.
type ChainForkError struct {
	// Tip is the node's reported block count.
	Tip int64

	// Start is the first height compared.
	Start int64

	// Searched is the number of heights compared.
	Searched int64
}

// Error implements the error interface.
func (e *ChainForkError) Error() string {
	return fmt.Sprintf("no common ancestor within %d blocks below height %d (tip %d)", e.Searched, e.Start, e.Tip)
}

// IsChainFork returns true if err is a *ChainForkError.
func IsChainFork(err error) bool {
	var forkErr *ChainForkError
	return errors.As(err, &forkErr)
}
