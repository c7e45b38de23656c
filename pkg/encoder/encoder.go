package encoder

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/fortiblox/btcfetch/internal/types"
	"github.com/fortiblox/btcfetch/pkg/rpcfetch"
)

// ErrEmptyWindow is returned when there is no anchor block to encode.
var ErrEmptyWindow = errors.New("empty window")

// HashHalves is a block hash as two base-10 128-bit integers.
type HashHalves [2]string

// HeaderInts is a block header as 80 integers in [0, 255].
type HeaderInts [types.HeaderSize]int

// Record is the output artifact.
type Record struct {
	PrevBlockHash HashHalves   `json:"prevBlockHash"`
	BlockHashes   []HashHalves `json:"blockHashes"`
	BlockHeaders  []HeaderInts `json:"blockHeaders"`
}

// Len returns the number of encoded blocks, excluding the anchor.
func (r *Record) Len() int {
	return len(r.BlockHashes)
}

// LengthError reports inputs whose sizes disagree with the window.
type LengthError struct {
	Window  int
	Hashes  int
	Headers int
}

// Error implements the error interface.
func (e *LengthError) Error() string {
	return fmt.Sprintf("length mismatch: window %d, hashes %d, headers %d", e.Window, e.Hashes, e.Headers)
}

// Encode builds the record for w. hashes and headers must both hold exactly
// one entry per height of w, in ascending height order.
func Encode(w rpcfetch.Window, hashes []types.BlockHash, headers []types.BlockHeader) (*Record, error) {
	n := w.Len()
	if n < 1 {
		return nil, ErrEmptyWindow
	}
	if len(hashes) != n || len(headers) != n {
		return nil, &LengthError{Window: n, Hashes: len(hashes), Headers: len(headers)}
	}

	rec := &Record{
		PrevBlockHash: SplitHash(hashes[0]),
		BlockHashes:   make([]HashHalves, 0, n-1),
		BlockHeaders:  make([]HeaderInts, 0, n-1),
	}
	for i := 1; i < n; i++ {
		rec.BlockHashes = append(rec.BlockHashes, SplitHash(hashes[i]))
		rec.BlockHeaders = append(rec.BlockHeaders, HeaderToInts(headers[i]))
	}
	return rec, nil
}

// SplitHash splits a hash into its two byte-reversed 128-bit halves.
//
// Reversing each display-order half is the same as taking the internal
// (little-endian) byte order and swapping the halves, which is what the
// chainhash form gives directly.
func SplitHash(hash types.BlockHash) HashHalves {
	internal := hash.Chainhash()
	var hi, lo uint256.Int
	hi.SetBytes(internal[16:32])
	lo.SetBytes(internal[0:16])
	return HashHalves{hi.Dec(), lo.Dec()}
}

// JoinHash reverses SplitHash.
func JoinHash(halves HashHalves) (types.BlockHash, error) {
	var internal [types.HashSize]byte
	for i, s := range halves {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return types.BlockHash{}, fmt.Errorf("hash half %d: %w", i, err)
		}
		if v.BitLen() > 128 {
			return types.BlockHash{}, fmt.Errorf("hash half %d exceeds 128 bits", i)
		}
		b := v.Bytes32()
		// halves[0] holds internal[16:32], halves[1] holds internal[0:16].
		copy(internal[16*(1-i):16*(2-i)], b[16:])
	}

	var hash types.BlockHash
	for i := range internal {
		hash[i] = internal[types.HashSize-1-i]
	}
	return hash, nil
}

// HeaderToInts widens each header byte to an int.
func HeaderToInts(header types.BlockHeader) HeaderInts {
	var out HeaderInts
	for i, b := range header {
		out[i] = int(b)
	}
	return out
}

// IntsToHeader narrows an encoded header back to bytes.
func IntsToHeader(ints HeaderInts) (types.BlockHeader, error) {
	var header types.BlockHeader
	for i, v := range ints {
		if v < 0 || v > 0xff {
			return header, fmt.Errorf("header byte %d out of range: %d", i, v)
		}
		header[i] = byte(v)
	}
	return header, nil
}
