package encoder

import (
	"fmt"

	"github.com/fortiblox/btcfetch/internal/types"
)

// LinkageError reports fetched data that does not chain together.
type LinkageError struct {
	Height int64
	Reason string
	Want   types.BlockHash
	Got    types.BlockHash
}

// Error implements the error interface.
func (e *LinkageError) Error() string {
	return fmt.Sprintf("linkage broken at height %d: %s (want %s, got %s)", e.Height, e.Reason, e.Want, e.Got)
}

// VerifyLinkage checks that each header hashes to its fetched hash and that
// each header's prev-hash field names the previous fetched hash. from is
// the height of hashes[0].
//
// This only checks the fetched data is self-consistent; it does not
// validate proof of work or any consensus rule.
func VerifyLinkage(from int64, hashes []types.BlockHash, headers []types.BlockHeader) error {
	if len(hashes) != len(headers) {
		return &LengthError{Window: len(hashes), Hashes: len(hashes), Headers: len(headers)}
	}

	for i, header := range headers {
		height := from + int64(i)
		if got := header.Hash(); got != hashes[i] {
			return &LinkageError{Height: height, Reason: "header hash mismatch", Want: hashes[i], Got: got}
		}
		if i == 0 {
			continue
		}
		if prev := header.PrevBlock(); prev != hashes[i-1] {
			return &LinkageError{Height: height, Reason: "prev block mismatch", Want: hashes[i-1], Got: prev}
		}
	}
	return nil
}
