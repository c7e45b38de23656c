// Package rpcfetch resolves which block heights to fetch and fetches their
// hashes and headers concurrently from a Bitcoin node.
//
// # Components
//
//   - ResolveWindow: computes the inclusive height range for a run, bounded by
//     a maximum number of blocks past the start height.
//   - FindCommonAncestor: walks backward from the node tip to the most recent
//     height whose recorded hash still matches, so incremental runs fetch
//     only the new suffix of the chain.
//   - Fetcher: fans one query out per height or hash and gathers the results
//     in input order.
//
// # Usage
//
//	rpc, err := jsonrpc.NewClient(jsonrpc.DefaultConfig("http://127.0.0.1:8332"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node := chain.NewClient(rpc)
//
//	tip, err := node.GetBlockCount(ctx)
//	window, err := rpcfetch.ResolveWindow(700000, tip, rpcfetch.DefaultMaxBlocks)
//
//	fetcher, err := rpcfetch.NewFetcher(node, rpcfetch.DefaultConfig())
//	hashes, err := fetcher.FetchHashes(ctx, window)
//	headers, err := fetcher.FetchHeaders(ctx, hashes)
//
// # Failure Handling
//
// FetchHashes and FetchHeaders are all-or-nothing: the first failed query
// cancels the batch and no partial result is returned. CollectHashes and
// CollectHeaders record every item's outcome instead, and the WithRetry
// variants re-issue only the failed positions before giving up.
//
// Rate limiting is retried by the jsonrpc transport; nothing here retries a
// node-reported error on its own.
package rpcfetch
