package tx

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Cryptographic rejection errors. Always fatal to the enclosing
// transaction or block, never retried.
var (
	ErrInvalidSignature = errors.New("invalid kernel signature")
	ErrInvalidProof     = errors.New("invalid output ownership proof")
	ErrUnbalanced       = errors.New("transaction does not balance")
	ErrDuplicateInput   = errors.New("duplicate input commitment")
	ErrDuplicateOutput  = errors.New("duplicate output commitment")
	ErrNoKernel         = errors.New("transaction has no kernel")
)

// VerifyKernel checks the kernel's Schnorr signature against its excess
// commitment. Pure and idempotent; safe to call concurrently.
func VerifyKernel(k *Kernel) error {
	if k.Features == KernelCoinbase && k.Fee != 0 {
		return fmt.Errorf("%w: coinbase kernel carries fee %d", ErrInvalidSignature, k.Fee)
	}
	msg := k.SigningMessage()
	if !crypto.VerifySignature(msg[:], k.Signature, k.Excess[:]) {
		return fmt.Errorf("%w: excess %s", ErrInvalidSignature, k.Excess)
	}
	return nil
}

// VerifyOutput checks the output's ownership proof: the commitment must
// bind the stated explicit value.
func VerifyOutput(o *Output) error {
	if err := crypto.VerifyOutputProof(o.Commitment, o.Value, o.Proof); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// VerifyBalance checks the homomorphic balance equation of a standalone
// transaction: sum(outputs) - sum(inputs) + fee*H == sum(excess) + offset*G.
func VerifyBalance(t *Transaction) error {
	fee, err := t.Fee()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnbalanced, err)
	}
	return verifyBalanceWithIssuance(t.Inputs, t.Outputs, t.Kernels, t.Offset, fee, 0)
}

// verifyBalanceWithIssuance is the shared balance check for transactions
// (issuance 0) and block bodies (issuance = coinbase reward for the height):
// sum(outputs) + fee*H == sum(inputs) + issuance*H + sum(excess) + offset*G.
func verifyBalanceWithIssuance(inputs []Input, outputs []Output, kernels []Kernel,
	offset Offset, fee, issuance uint64) error {

	positive := make([]types.Commitment, 0, len(outputs)+1)
	for _, o := range outputs {
		positive = append(positive, o.Commitment)
	}
	if fee > 0 {
		c, err := crypto.CommitValue(fee)
		if err != nil {
			return fmt.Errorf("%w: fee term: %v", ErrUnbalanced, err)
		}
		positive = append(positive, c)
	}

	negative := make([]types.Commitment, 0, len(inputs)+len(kernels)+2)
	for _, in := range inputs {
		negative = append(negative, in.Commitment)
	}
	for _, k := range kernels {
		negative = append(negative, k.Excess)
	}
	if issuance > 0 {
		c, err := crypto.CommitValue(issuance)
		if err != nil {
			return fmt.Errorf("%w: issuance term: %v", ErrUnbalanced, err)
		}
		negative = append(negative, c)
	}
	if !offset.IsZero() {
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(offset[:]); overflow {
			return fmt.Errorf("%w: offset overflows group order", ErrUnbalanced)
		}
		c, err := crypto.OffsetToCommitment(&s)
		if err != nil {
			return fmt.Errorf("%w: offset term: %v", ErrUnbalanced, err)
		}
		negative = append(negative, c)
	}

	zero, err := crypto.CommitSumIsZero(positive, negative)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnbalanced, err)
	}
	if !zero {
		return ErrUnbalanced
	}
	return nil
}

// VerifyBodyBalance checks the aggregate balance of a block body given the
// coinbase issuance for its height:
// sum(outputs) == sum(inputs) + issuance*H + sum(excess) + offset*G.
// There is no explicit fee term: the fees claimed by standard kernels are
// re-committed by the coinbase output, so they cancel within the body.
func VerifyBodyBalance(inputs []Input, outputs []Output, kernels []Kernel,
	offset Offset, issuance uint64) error {

	return verifyBalanceWithIssuance(inputs, outputs, kernels, offset, 0, issuance)
}

// Validate runs the full stateless check suite on a transaction: structure,
// per-output proofs, per-kernel signatures, and the balance equation.
// Liveness of inputs against the output set is the caller's concern.
func (t *Transaction) Validate() error {
	if len(t.Kernels) == 0 {
		return ErrNoKernel
	}

	seen := make(map[types.Commitment]struct{}, len(t.Inputs))
	for _, in := range t.Inputs {
		if _, ok := seen[in.Commitment]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateInput, in.Commitment)
		}
		seen[in.Commitment] = struct{}{}
	}

	outSeen := make(map[types.Commitment]struct{}, len(t.Outputs))
	for _, o := range t.Outputs {
		if _, ok := outSeen[o.Commitment]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateOutput, o.Commitment)
		}
		outSeen[o.Commitment] = struct{}{}
	}

	if err := VerifyBatch(t.Outputs, t.Kernels); err != nil {
		return err
	}

	return VerifyBalance(t)
}

// VerifyBatch runs the per-output and per-kernel cryptographic checks on a
// worker pool. Verification is embarrassingly parallel; the chain runs it
// ahead of the exclusive write section to keep lock hold time short.
func VerifyBatch(outputs []Output, kernels []Kernel) error {
	type job struct {
		output *Output
		kernel *Kernel
	}

	jobs := make(chan job)
	workers := runtime.NumCPU()
	if workers > len(outputs)+len(kernels) {
		workers = len(outputs) + len(kernels)
	}
	if workers < 1 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				var err error
				switch {
				case j.output != nil:
					err = VerifyOutput(j.output)
				case j.kernel != nil:
					err = VerifyKernel(j.kernel)
				}
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for i := range outputs {
		jobs <- job{output: &outputs[i]}
	}
	for i := range kernels {
		jobs <- job{kernel: &kernels[i]}
	}
	close(jobs)
	wg.Wait()

	return firstErr
}
