// Package types defines the block hash and header types shared by btcfetch.
//
// Hashes are kept in display order, i.e. the byte order a Bitcoin node prints
// in its JSON-RPC results. Conversion to the internal (little-endian) order
// used inside serialized headers goes through chainhash.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size constants for core types.
const (
	HashSize      = chainhash.HashSize
	HashHexSize   = HashSize * 2
	HeaderSize    = 80
	HeaderHexSize = HeaderSize * 2
)

// Offsets of the fields inside a serialized header.
const (
	prevBlockOffset  = 4
	merkleRootOffset = prevBlockOffset + HashSize
)

var (
	// ErrInvalidHash is returned when a hash is not 64 hex characters.
	ErrInvalidHash = errors.New("invalid block hash: must be 64 hex characters")

	// ErrInvalidHeader is returned when a header is not 160 hex characters.
	ErrInvalidHeader = errors.New("invalid block header: must be 160 hex characters")
)

// BlockHash is a 32-byte block hash in display order.
type BlockHash [HashSize]byte

// HashFromHex parses a 64-character hex block hash as returned by getblockhash.
func HashFromHex(s string) (BlockHash, error) {
	var h BlockHash
	if len(s) != HashHexSize {
		return h, ErrInvalidHash
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

// HashFromChainhash converts an internal-order hash to display order.
func HashFromChainhash(c chainhash.Hash) BlockHash {
	var h BlockHash
	for i := 0; i < HashSize; i++ {
		h[i] = c[HashSize-1-i]
	}
	return h
}

// Chainhash returns the hash in internal byte order.
func (h BlockHash) Chainhash() chainhash.Hash {
	var c chainhash.Hash
	for i := 0; i < HashSize; i++ {
		c[i] = h[HashSize-1-i]
	}
	return c
}

// String returns the lowercase hex representation in display order.
func (h BlockHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h BlockHash) IsZero() bool {
	return h == BlockHash{}
}

// Bytes returns the hash as a byte slice in display order.
func (h BlockHash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h BlockHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *BlockHash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// BlockHeader is a raw 80-byte serialized block header.
type BlockHeader [HeaderSize]byte

// HeaderFromHex decodes the non-verbose getblockheader result.
func HeaderFromHex(s string) (BlockHeader, error) {
	var hdr BlockHeader
	if len(s) != HeaderHexSize {
		return hdr, ErrInvalidHeader
	}
	if _, err := hex.Decode(hdr[:], []byte(s)); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return hdr, nil
}

// Hex returns the lowercase hex serialization of the header.
func (hdr BlockHeader) Hex() string {
	return hex.EncodeToString(hdr[:])
}

// Bytes returns the header as a byte slice.
func (hdr BlockHeader) Bytes() []byte {
	return hdr[:]
}

// Hash computes the block hash (double SHA-256) in display order.
func (hdr BlockHeader) Hash() BlockHash {
	return HashFromChainhash(chainhash.DoubleHashH(hdr[:]))
}

// PrevBlock returns the previous block hash field in display order.
func (hdr BlockHeader) PrevBlock() BlockHash {
	var c chainhash.Hash
	copy(c[:], hdr[prevBlockOffset:merkleRootOffset])
	return HashFromChainhash(c)
}

// MarshalText implements encoding.TextMarshaler.
func (hdr BlockHeader) MarshalText() ([]byte, error) {
	return []byte(hdr.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (hdr *BlockHeader) UnmarshalText(text []byte) error {
	parsed, err := HeaderFromHex(string(text))
	if err != nil {
		return err
	}
	*hdr = parsed
	return nil
}
