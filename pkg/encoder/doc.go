// Package encoder reshapes fetched block hashes and headers into the record
// consumed by the proving system, and writes it to disk.
//
// Each 256-bit hash is split into two 128-bit halves. The display-order hex
// string is cut at character 32, each half is byte-reversed and read as an
// unsigned big-endian integer, then rendered in base 10. Headers are emitted
// as their 80 raw bytes in node order.
//
// The first hash of a window is the anchor: it becomes prevBlockHash and is
// excluded from the blockHashes and blockHeaders arrays.
//
// Example:
//
//	rec, err := encoder.Encode(window, hashes, headers)
//	if err != nil {
//	    return err
//	}
//	err = encoder.WriteFile("btc-blocks.json", rec, encoder.Options{})
package encoder
