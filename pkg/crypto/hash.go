// Package crypto provides the cryptographic primitives for Veiltide:
// BLAKE3 hashing, Pedersen commitments over secp256k1, Schnorr signatures,
// and explicit-value ownership proofs.
package crypto

import (
	"github.com/veiltide/veiltide-chain/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees over accumulator leaves.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
