package tx

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
)

// Builder assembles a balanced transaction from explicit values and
// blinding factors. The keychain collaborator supplies the blinds; the
// builder derives the kernel excess, picks a random offset, and signs.
type Builder struct {
	inputs  []slot
	outputs []slot
	fee     uint64
	lockH   uint64
}

type slot struct {
	value uint64
	blind *crypto.SecretKey
}

// NewBuilder creates an empty transaction builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// SpendInput adds an input worth value, opened by blind.
func (b *Builder) SpendInput(value uint64, blind *crypto.SecretKey) *Builder {
	b.inputs = append(b.inputs, slot{value: value, blind: blind})
	return b
}

// AddOutput adds an output worth value, blinded by blind.
func (b *Builder) AddOutput(value uint64, blind *crypto.SecretKey) *Builder {
	b.outputs = append(b.outputs, slot{value: value, blind: blind})
	return b
}

// SetFee sets the kernel fee.
func (b *Builder) SetFee(fee uint64) *Builder {
	b.fee = fee
	return b
}

// SetLockHeight makes the kernel height-locked: the transaction is invalid
// in blocks below the given height.
func (b *Builder) SetLockHeight(h uint64) *Builder {
	b.lockH = h
	return b
}

// Build produces the signed transaction. Values must balance:
// sum(inputs) == sum(outputs) + fee.
func (b *Builder) Build() (*Transaction, error) {
	var inSum, outSum uint64
	for _, in := range b.inputs {
		inSum += in.value
	}
	for _, out := range b.outputs {
		outSum += out.value
	}
	if inSum != outSum+b.fee {
		return nil, fmt.Errorf("values do not balance: in=%d out=%d fee=%d", inSum, outSum, b.fee)
	}

	t := &Transaction{}

	var inBlinds, outBlinds []*secp256k1.ModNScalar
	for _, in := range b.inputs {
		commit, err := crypto.Commit(in.value, in.blind.Scalar())
		if err != nil {
			return nil, fmt.Errorf("commit input: %w", err)
		}
		t.Inputs = append(t.Inputs, Input{Commitment: commit})
		inBlinds = append(inBlinds, in.blind.Scalar())
	}
	for _, out := range b.outputs {
		commit, err := crypto.Commit(out.value, out.blind.Scalar())
		if err != nil {
			return nil, fmt.Errorf("commit output: %w", err)
		}
		proof, err := crypto.ProveOutput(commit, out.value, out.blind.Scalar())
		if err != nil {
			return nil, fmt.Errorf("prove output: %w", err)
		}
		t.Outputs = append(t.Outputs, Output{
			Features:   OutputPlain,
			Commitment: commit,
			Value:      out.value,
			Proof:      proof,
		})
		outBlinds = append(outBlinds, out.blind.Scalar())
	}

	// Split a random offset off the excess so the kernel alone does not
	// link this transaction's inputs to its outputs.
	offsetKey, err := crypto.GenerateSecretKey()
	if err != nil {
		return nil, fmt.Errorf("generate offset: %w", err)
	}
	copy(t.Offset[:], offsetKey.Serialize())

	// excess = sum(output blinds) - sum(input blinds) - offset.
	excess := crypto.BlindSum(outBlinds, append(inBlinds, offsetKey.Scalar()))
	excessKey, err := crypto.SecretKeyFromScalar(excess)
	if err != nil {
		return nil, fmt.Errorf("kernel excess: %w", err)
	}

	features := KernelPlain
	if b.lockH > 0 {
		features = KernelHeightLocked
	}
	kernel := Kernel{
		Features:   features,
		Fee:        b.fee,
		LockHeight: b.lockH,
	}
	excessCommit, err := crypto.Commit(0, excess)
	if err != nil {
		return nil, fmt.Errorf("kernel excess commit: %w", err)
	}
	kernel.Excess = excessCommit

	msg := kernel.SigningMessage()
	sig, err := excessKey.Sign(msg[:])
	if err != nil {
		return nil, fmt.Errorf("sign kernel: %w", err)
	}
	kernel.Signature = sig

	t.Kernels = append(t.Kernels, kernel)
	t.Sort()
	return t, nil
}

// NewCoinbase builds the coinbase transaction for a block: a single
// coinbase output worth reward (issuance plus claimed fees) and a zero-fee
// coinbase kernel, no offset.
func NewCoinbase(reward uint64, blind *crypto.SecretKey, maturityHeight uint64) (*Transaction, error) {
	commit, err := crypto.Commit(reward, blind.Scalar())
	if err != nil {
		return nil, fmt.Errorf("commit coinbase: %w", err)
	}
	proof, err := crypto.ProveOutput(commit, reward, blind.Scalar())
	if err != nil {
		return nil, fmt.Errorf("prove coinbase: %w", err)
	}

	kernel := Kernel{Features: KernelCoinbase}
	// The coinbase excess is the output blind itself: no inputs, no offset.
	excessCommit, err := crypto.Commit(0, blind.Scalar())
	if err != nil {
		return nil, fmt.Errorf("coinbase excess: %w", err)
	}
	kernel.Excess = excessCommit

	msg := kernel.SigningMessage()
	sig, err := blind.Sign(msg[:])
	if err != nil {
		return nil, fmt.Errorf("sign coinbase kernel: %w", err)
	}
	kernel.Signature = sig

	t := &Transaction{
		Outputs: []Output{{
			Features:   OutputCoinbase,
			Commitment: commit,
			Value:      reward,
			Proof:      proof,
			LockHeight: maturityHeight,
		}},
		Kernels: []Kernel{kernel},
	}
	t.Sort()
	return t, nil
}
