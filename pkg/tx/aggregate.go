package tx

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Aggregate merges a set of transactions into one body and applies
// cut-through: any commitment that appears both as an output and as an
// input within the set represents value created and destroyed inside the
// same block, so both sides are removed. Offsets are summed mod the group
// order into a single aggregate offset.
//
// Only intra-set matches are eligible. An input spending an output from an
// already-confirmed block never matches here, because that output is not in
// the set being aggregated.
//
// Aggregating transactions with no matching pairs is a plain union.
func Aggregate(txs []*Transaction) (*Transaction, error) {
	var (
		inputs  []Input
		outputs []Output
		kernels []Kernel
	)

	inSet := make(map[types.Commitment]struct{})
	outSet := make(map[types.Commitment]struct{})
	var offsetSum secp256k1.ModNScalar

	for _, t := range txs {
		for _, in := range t.Inputs {
			if _, dup := inSet[in.Commitment]; dup {
				return nil, fmt.Errorf("%w across aggregated transactions: %s", ErrDuplicateInput, in.Commitment)
			}
			inSet[in.Commitment] = struct{}{}
			inputs = append(inputs, in)
		}
		for _, out := range t.Outputs {
			if _, dup := outSet[out.Commitment]; dup {
				return nil, fmt.Errorf("%w across aggregated transactions: %s", ErrDuplicateOutput, out.Commitment)
			}
			outSet[out.Commitment] = struct{}{}
			outputs = append(outputs, out)
		}
		kernels = append(kernels, t.Kernels...)

		if !t.Offset.IsZero() {
			var s secp256k1.ModNScalar
			if overflow := s.SetByteSlice(t.Offset[:]); overflow {
				return nil, fmt.Errorf("offset overflows group order")
			}
			offsetSum.Add(&s)
		}
	}

	// Cut-through: drop matching intra-set input/output pairs.
	cut := make(map[types.Commitment]struct{})
	for c := range inSet {
		if _, ok := outSet[c]; ok {
			cut[c] = struct{}{}
		}
	}
	if len(cut) > 0 {
		keptIn := inputs[:0]
		for _, in := range inputs {
			if _, ok := cut[in.Commitment]; !ok {
				keptIn = append(keptIn, in)
			}
		}
		inputs = keptIn

		keptOut := outputs[:0]
		for _, out := range outputs {
			if _, ok := cut[out.Commitment]; !ok {
				keptOut = append(keptOut, out)
			}
		}
		outputs = keptOut
	}

	var offset Offset
	if !offsetSum.IsZero() {
		b := offsetSum.Bytes()
		copy(offset[:], b[:])
	}

	agg := &Transaction{
		Offset:  offset,
		Inputs:  inputs,
		Outputs: outputs,
		Kernels: kernels,
	}
	agg.Sort()
	return agg, nil
}
