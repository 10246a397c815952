// derive_commitment.go prints the Pedersen commitment for a hex-encoded
// blinding factor file and a value.
// Usage: go run scripts/derive_commitment.go <blindfile> <value>
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/veiltide/veiltide-chain/pkg/crypto"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: derive_commitment <blindfile> <value>")
		os.Exit(1)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	blindHex := strings.TrimSpace(string(data))
	blindBytes, err := hex.DecodeString(blindHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	value, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	key, err := crypto.SecretKeyFromBytes(blindBytes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	commit, err := crypto.Commit(value, key.Scalar())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	proof, err := crypto.ProveOutput(commit, value, key.Scalar())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("commitment=%s\n", commit.String())
	fmt.Printf("proof=%s\n", hex.EncodeToString(proof))
}
