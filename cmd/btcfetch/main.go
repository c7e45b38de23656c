// btcfetch fetches a range of Bitcoin block hashes and headers from a node's
// JSON-RPC endpoint and writes them in the form a proving system consumes.
package main

import (
	"fmt"
	"os"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
