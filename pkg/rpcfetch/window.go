package rpcfetch

import "math"

// DefaultMaxBlocks bounds how far past the start height a window reaches.
const DefaultMaxBlocks = 800

// Window is an inclusive range of block heights to fetch. The block at From
// is the anchor whose hash becomes prevBlockHash.
type Window struct {
	From   int64
	Target int64
}

// ResolveWindow computes the window starting at from, ending at
// min(tip, from+maxBlocks).
func ResolveWindow(from, tip, maxBlocks int64) (Window, error) {
	fail := func(reason string) (Window, error) {
		return Window{}, &InvalidRangeError{From: from, Tip: tip, MaxBlocks: maxBlocks, Reason: reason}
	}

	switch {
	case from < 0:
		return fail("negative start height")
	case maxBlocks <= 0:
		return fail("max blocks must be positive")
	case from > tip:
		return fail("start height is above the node tip")
	}

	end := int64(math.MaxInt64)
	if maxBlocks <= math.MaxInt64-from {
		end = from + maxBlocks
	}
	return Window{From: from, Target: min(tip, end)}, nil
}

// Len returns the number of heights in the window.
func (w Window) Len() int {
	return int(w.Target - w.From + 1)
}

// Heights lists the window's heights in ascending order.
func (w Window) Heights() []int64 {
	heights := make([]int64, w.Len())
	for i := range heights {
		heights[i] = w.From + int64(i)
	}
	return heights
}
