// Package chain provides typed Bitcoin Core RPC queries on top of jsonrpc.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/btcfetch/internal/types"
	"github.com/fortiblox/btcfetch/pkg/jsonrpc"
)

// Node RPC method names.
const (
	MethodGetBlockCount     = "getblockcount"
	MethodGetBlockHash      = "getblockhash"
	MethodGetBlockHeader    = "getblockheader"
	MethodGetBlock          = "getblock"
	MethodGetRawTransaction = "getrawtransaction"
)

// ErrEmptyResult is returned when a response carries neither a result nor an
// error.
var ErrEmptyResult = errors.New("response has no result")

// Caller is the transport used by Client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
}

// Querier is the set of chain queries the fetch orchestrator needs.
type Querier interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (types.BlockHash, error)
	GetBlockHeader(ctx context.Context, hash types.BlockHash) (types.BlockHeader, error)
}

// Client issues typed queries. Errors reported by the node are returned as
// *jsonrpc.RPCError; nothing is retried here.
type Client struct {
	rpc Caller
}

var _ Querier = (*Client)(nil)

// NewClient wraps a transport.
func NewClient(rpc Caller) *Client {
	return &Client{rpc: rpc}
}

// Block is the verbosity-1 getblock result.
type Block struct {
	Hash       string   `json:"hash"`
	Height     int64    `json:"height"`
	MerkleRoot string   `json:"merkleroot"`
	NTx        int      `json:"nTx"`
	Tx         []string `json:"tx"`
}

// call issues method and decodes a successful result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	resp, err := c.rpc.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("bad %s: %w", method, resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return fmt.Errorf("bad %s: %w", method, ErrEmptyResult)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.WithMessagef(err, "decode %s result %s", method, resp.Result)
	}
	return nil
}

// GetBlockCount returns the height of the node's best chain.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := c.call(ctx, MethodGetBlockCount, []any{}, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetBlockHash returns the hash of the best-chain block at height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (types.BlockHash, error) {
	var s string
	if err := c.call(ctx, MethodGetBlockHash, []any{height}, &s); err != nil {
		return types.BlockHash{}, err
	}
	hash, err := types.HashFromHex(s)
	if err != nil {
		return types.BlockHash{}, errors.WithMessagef(err, "getblockhash %d", height)
	}
	return hash, nil
}

// GetBlockHeader returns the serialized (non-verbose) header of hash.
func (c *Client) GetBlockHeader(ctx context.Context, hash types.BlockHash) (types.BlockHeader, error) {
	var s string
	if err := c.call(ctx, MethodGetBlockHeader, []any{hash.String(), false}, &s); err != nil {
		return types.BlockHeader{}, err
	}
	header, err := types.HeaderFromHex(s)
	if err != nil {
		return types.BlockHeader{}, errors.WithMessagef(err, "getblockheader %s", hash)
	}
	return header, nil
}

// GetBlock returns the verbosity-1 block for hash.
func (c *Client) GetBlock(ctx context.Context, hash types.BlockHash) (*Block, error) {
	var block Block
	if err := c.call(ctx, MethodGetBlock, []any{hash.String(), 1}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetRawTransaction returns the hex serialization of txid found in blockHash.
func (c *Client) GetRawTransaction(ctx context.Context, txid string, blockHash types.BlockHash) (string, error) {
	var raw string
	if err := c.call(ctx, MethodGetRawTransaction, []any{txid, false, blockHash.String()}, &raw); err != nil {
		return "", err
	}
	return raw, nil
}
