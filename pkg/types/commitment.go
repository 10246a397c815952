package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CommitmentSize is the length of a serialized Pedersen commitment
// (a compressed secp256k1 point).
const CommitmentSize = 33

// Commitment is an opaque cryptographic binding of a value and a blinding
// factor. Commitments are equality-comparable and never reveal the value
// on their own; pkg/crypto knows how to combine and verify them.
type Commitment [CommitmentSize]byte

// IsZero returns true if the commitment is all zeros (unset).
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// String returns the hex-encoded commitment.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns a copy of the commitment as a byte slice.
func (c Commitment) Bytes() []byte {
	b := make([]byte, CommitmentSize)
	copy(b, c[:])
	return b
}

// Less reports whether c sorts before other byte-lexicographically.
// Used for the canonical ordering of outputs within a block body.
func (c Commitment) Less(other Commitment) bool {
	return bytes.Compare(c[:], other[:]) < 0
}

// MarshalJSON encodes the commitment as a hex string.
func (c Commitment) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a hex string into a commitment.
func (c *Commitment) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*c = Commitment{}
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid commitment hex: %w", err)
	}
	if len(decoded) != CommitmentSize {
		return fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(decoded))
	}
	copy(c[:], decoded)
	return nil
}

// HexToCommitment converts a hex string to a Commitment.
func HexToCommitment(s string) (Commitment, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Commitment{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != CommitmentSize {
		return Commitment{}, fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(b))
	}
	var c Commitment
	copy(c[:], b)
	return c, nil
}
