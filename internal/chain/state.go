package chain

import "github.com/veiltide/veiltide-chain/pkg/types"

// Tip identifies the head of a chain branch. Fork choice compares
// TotalDifficulty; the hash breaks nothing on a tie, first seen wins.
type Tip struct {
	Hash            types.Hash `json:"hash"`
	Height          uint64     `json:"height"`
	TotalDifficulty uint64     `json:"total_difficulty"`
}

// IsZero reports whether the tip is unset (fresh database).
func (t Tip) IsZero() bool {
	return t.Hash.IsZero() && t.Height == 0 && t.TotalDifficulty == 0
}
