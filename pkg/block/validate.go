package block

import (
	"errors"
	"fmt"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader          = errors.New("block has nil header")
	ErrBadVersion         = errors.New("unsupported block version")
	ErrZeroTimestamp      = errors.New("block timestamp is zero")
	ErrNoKernels          = errors.New("block has no kernels")
	ErrBlockTooHeavy      = errors.New("block exceeds weight limit")
	ErrBadOrder           = errors.New("block body not in canonical order")
	ErrDuplicateInput     = errors.New("duplicate input in block")
	ErrDuplicateOutput    = errors.New("duplicate output in block")
	ErrCutThroughViolated = errors.New("commitment appears as both input and output")
	ErrNoCoinbase         = errors.New("block has no coinbase kernel")
	ErrMultipleCoinbase   = errors.New("block has multiple coinbase kernels")
	ErrBadCoinbaseLock    = errors.New("coinbase output lock height below maturity")
	ErrCoinbaseFee        = errors.New("coinbase kernel carries a fee")
	ErrKernelLocked       = errors.New("kernel lock height above block height")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// Validate checks block structure and internal consistency. This covers
// everything provable without chain state: canonical ordering, duplicate
// and cut-through checks, coinbase shape, ownership proofs, and kernel
// signatures. Balance against issuance and the staged roots are checked by
// the chain processor, which knows the parent state.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Body.Kernels) == 0 {
		return ErrNoKernels
	}
	if w := b.Body.Weight(); w > config.MaxBlockWeight {
		return fmt.Errorf("%w: %d, max %d", ErrBlockTooHeavy, w, config.MaxBlockWeight)
	}

	if err := b.validateOrder(); err != nil {
		return err
	}
	if err := b.validateSets(); err != nil {
		return err
	}
	if err := b.validateCoinbase(); err != nil {
		return err
	}
	if err := b.validateKernelLocks(); err != nil {
		return err
	}

	// Ownership proofs and kernel signatures, verified in parallel.
	return tx.VerifyBatch(b.Body.Outputs, b.Body.Kernels)
}

// validateKernelLocks rejects height-locked kernels that are not yet valid
// at this block's height.
func (b *Block) validateKernelLocks() error {
	for _, k := range b.Body.Kernels {
		if k.Features != tx.KernelHeightLocked {
			continue
		}
		if k.LockHeight > b.Header.Height {
			return fmt.Errorf("%w: lock %d, block %d", ErrKernelLocked, k.LockHeight, b.Header.Height)
		}
	}
	return nil
}

// validateOrder enforces canonical sorting: inputs and outputs ascending by
// commitment, kernels ascending by excess.
func (b *Block) validateOrder() error {
	for i := 1; i < len(b.Body.Inputs); i++ {
		if !b.Body.Inputs[i-1].Commitment.Less(b.Body.Inputs[i].Commitment) {
			return fmt.Errorf("%w: inputs %d and %d", ErrBadOrder, i-1, i)
		}
	}
	for i := 1; i < len(b.Body.Outputs); i++ {
		if !b.Body.Outputs[i-1].Commitment.Less(b.Body.Outputs[i].Commitment) {
			return fmt.Errorf("%w: outputs %d and %d", ErrBadOrder, i-1, i)
		}
	}
	for i := 1; i < len(b.Body.Kernels); i++ {
		if !b.Body.Kernels[i-1].Excess.Less(b.Body.Kernels[i].Excess) {
			return fmt.Errorf("%w: kernels %d and %d", ErrBadOrder, i-1, i)
		}
	}
	return nil
}

// validateSets rejects duplicates and any commitment present on both sides.
// A valid body is fully cut through; a matching input/output pair means the
// producer skipped cut-through or is padding the body.
func (b *Block) validateSets() error {
	inSet := make(map[types.Commitment]struct{}, len(b.Body.Inputs))
	for _, in := range b.Body.Inputs {
		if _, ok := inSet[in.Commitment]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateInput, in.Commitment)
		}
		inSet[in.Commitment] = struct{}{}
	}
	outSet := make(map[types.Commitment]struct{}, len(b.Body.Outputs))
	for _, out := range b.Body.Outputs {
		if _, ok := outSet[out.Commitment]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateOutput, out.Commitment)
		}
		outSet[out.Commitment] = struct{}{}
	}
	for c := range inSet {
		if _, ok := outSet[c]; ok {
			return fmt.Errorf("%w: %s", ErrCutThroughViolated, c)
		}
	}
	return nil
}

// validateCoinbase requires exactly one coinbase kernel with zero fee, and
// that every coinbase output is locked until maturity.
func (b *Block) validateCoinbase() error {
	coinbaseKernels := 0
	for _, k := range b.Body.Kernels {
		if k.Features != tx.KernelCoinbase {
			continue
		}
		coinbaseKernels++
		if k.Fee != 0 {
			return ErrCoinbaseFee
		}
	}
	if coinbaseKernels == 0 {
		return ErrNoCoinbase
	}
	if coinbaseKernels > 1 {
		return ErrMultipleCoinbase
	}

	maturity := b.Header.Height + config.CoinbaseMaturity
	for _, out := range b.Body.Outputs {
		if out.Features != tx.OutputCoinbase {
			continue
		}
		if out.LockHeight < maturity {
			return fmt.Errorf("%w: lock %d, need %d", ErrBadCoinbaseLock, out.LockHeight, maturity)
		}
	}
	return nil
}
