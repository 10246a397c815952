package chain

import (
	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/pkg/block"
)

// NewGenesisBlock derives the deterministic genesis block for a network.
// The genesis body is empty: no coinbase, no kernels, zero roots matching
// the empty output and kernel sets. Issuance starts at height 1. The block
// is applied directly at bootstrap and never runs through validation.
func NewGenesisBlock(gen *config.Genesis) *block.Block {
	rules := gen.Protocol.Consensus
	header := &block.Header{
		Version:         block.CurrentVersion,
		Height:          0,
		Timestamp:       gen.Timestamp,
		Difficulty:      rules.InitialDifficulty,
		TotalDifficulty: rules.InitialDifficulty,
	}
	return block.NewBlock(header, block.Body{})
}
