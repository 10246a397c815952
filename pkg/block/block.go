// Package block defines block types and structural validation.
package block

import (
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Body is the transactional content of a block after cut-through: a single
// aggregated set of inputs, outputs, and kernels. The body offset lives in
// the header as part of the chain-cumulative total.
type Body struct {
	Inputs  []tx.Input  `json:"inputs"`
	Outputs []tx.Output `json:"outputs"`
	Kernels []tx.Kernel `json:"kernels"`
}

// Weight returns the consensus weight of the body.
func (b *Body) Weight() uint64 {
	return uint64(len(b.Inputs))*tx.WeightInput +
		uint64(len(b.Outputs))*tx.WeightOutput +
		uint64(len(b.Kernels))*tx.WeightKernel
}

// Fee returns the sum of kernel fees in the body.
func (b *Body) Fee() uint64 {
	var total uint64
	for _, k := range b.Kernels {
		total += k.Fee
	}
	return total
}

// Block represents a block in the chain.
type Block struct {
	Header *Header `json:"header"`
	Body   Body    `json:"body"`
}

// NewBlock creates a block with the given header and body.
func NewBlock(header *Header, body Body) *Block {
	return &Block{Header: header, Body: body}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// BodyFromTransaction converts an aggregated transaction into a block body.
// The transaction's offset must be folded into the header separately.
func BodyFromTransaction(t *tx.Transaction) Body {
	return Body{
		Inputs:  t.Inputs,
		Outputs: t.Outputs,
		Kernels: t.Kernels,
	}
}
