// Package tx defines the transaction value objects of the Veiltide protocol
// (inputs, outputs, kernels, offsets), their stateless verification, and
// cut-through aggregation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Transaction weights, in abstract weight units. Outputs dominate because
// they carry the ownership proof and stay in the output set until spent.
const (
	WeightInput  = 1
	WeightOutput = 21
	WeightKernel = 3
)

// OutputFeatures distinguishes coinbase outputs from regular ones.
// The set is closed: every consumer switches exhaustively over it.
type OutputFeatures uint8

const (
	// OutputPlain is a regular transaction output.
	OutputPlain OutputFeatures = 0
	// OutputCoinbase is a block-reward output, subject to maturity rules.
	OutputCoinbase OutputFeatures = 1
)

// KernelFeatures distinguishes kernel variants.
type KernelFeatures uint8

const (
	// KernelPlain is a regular transaction kernel.
	KernelPlain KernelFeatures = 0
	// KernelCoinbase is the kernel of a coinbase transaction (zero fee).
	KernelCoinbase KernelFeatures = 1
	// KernelHeightLocked is a kernel that is invalid before its lock height.
	KernelHeightLocked KernelFeatures = 2
)

// Input references an existing output by its commitment. It is valid only
// while that commitment is live in the output set.
type Input struct {
	Commitment types.Commitment `json:"commitment"`
}

// Output is a candidate unspent entry: a commitment, its explicit value,
// and the ownership proof binding the two.
type Output struct {
	Features   OutputFeatures   `json:"features"`
	Commitment types.Commitment `json:"commitment"`
	Value      uint64           `json:"value"`
	Proof      []byte           `json:"proof"`
	LockHeight uint64           `json:"lock_height,omitempty"`
}

// outputJSON is the JSON form of Output with a hex-encoded proof.
type outputJSON struct {
	Features   OutputFeatures   `json:"features"`
	Commitment types.Commitment `json:"commitment"`
	Value      uint64           `json:"value"`
	Proof      string           `json:"proof"`
	LockHeight uint64           `json:"lock_height,omitempty"`
}

// MarshalJSON encodes the output with a hex proof.
func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(outputJSON{
		Features:   o.Features,
		Commitment: o.Commitment,
		Value:      o.Value,
		Proof:      hex.EncodeToString(o.Proof),
		LockHeight: o.LockHeight,
	})
}

// UnmarshalJSON decodes an output with a hex proof.
func (o *Output) UnmarshalJSON(data []byte) error {
	var j outputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	proof, err := hex.DecodeString(j.Proof)
	if err != nil {
		return fmt.Errorf("invalid proof hex: %w", err)
	}
	o.Features = j.Features
	o.Commitment = j.Commitment
	o.Value = j.Value
	o.Proof = proof
	o.LockHeight = j.LockHeight
	return nil
}

// Kernel proves that its transaction nets to zero: the excess commitment is
// the public key matching the aggregate blinding factors, and the signature
// authorizes the fee and lock height.
type Kernel struct {
	Features   KernelFeatures   `json:"features"`
	Excess     types.Commitment `json:"excess"`
	Fee        uint64           `json:"fee"`
	LockHeight uint64           `json:"lock_height,omitempty"`
	Signature  []byte           `json:"signature"`
}

// kernelJSON is the JSON form of Kernel with a hex-encoded signature.
type kernelJSON struct {
	Features   KernelFeatures   `json:"features"`
	Excess     types.Commitment `json:"excess"`
	Fee        uint64           `json:"fee"`
	LockHeight uint64           `json:"lock_height,omitempty"`
	Signature  string           `json:"signature"`
}

// MarshalJSON encodes the kernel with a hex signature.
func (k Kernel) MarshalJSON() ([]byte, error) {
	return json.Marshal(kernelJSON{
		Features:   k.Features,
		Excess:     k.Excess,
		Fee:        k.Fee,
		LockHeight: k.LockHeight,
		Signature:  hex.EncodeToString(k.Signature),
	})
}

// UnmarshalJSON decodes a kernel with a hex signature.
func (k *Kernel) UnmarshalJSON(data []byte) error {
	var j kernelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	k.Features = j.Features
	k.Excess = j.Excess
	k.Fee = j.Fee
	k.LockHeight = j.LockHeight
	k.Signature = sig
	return nil
}

// SigningMessage returns the 32-byte message a kernel signature commits to:
// the kernel's features, fee, and lock height.
func (k *Kernel) SigningMessage() types.Hash {
	buf := make([]byte, 0, 17)
	buf = append(buf, byte(k.Features))
	buf = binary.LittleEndian.AppendUint64(buf, k.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, k.LockHeight)
	return crypto.Hash(buf)
}

// Offset is a 32-byte scalar split off the kernel excess. Block bodies carry
// the sum of their transactions' offsets.
type Offset [32]byte

// IsZero returns true if the offset is the zero scalar.
func (o Offset) IsZero() bool {
	return o == Offset{}
}

// String returns the hex-encoded offset.
func (o Offset) String() string {
	return hex.EncodeToString(o[:])
}

// MarshalJSON encodes the offset as a hex string.
func (o Offset) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes a hex string into an offset.
func (o *Offset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*o = Offset{}
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid offset hex: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("offset must be 32 bytes, got %d", len(decoded))
	}
	copy(o[:], decoded)
	return nil
}

// Add returns the scalar sum of two offsets mod the curve group order.
func (o Offset) Add(other Offset) Offset {
	var a, b secp256k1.ModNScalar
	a.SetByteSlice(o[:])
	b.SetByteSlice(other[:])
	a.Add(&b)
	var sum Offset
	buf := a.Bytes()
	copy(sum[:], buf[:])
	return sum
}

// Sub returns o minus other mod the curve group order.
func (o Offset) Sub(other Offset) Offset {
	var a, b secp256k1.ModNScalar
	a.SetByteSlice(o[:])
	b.SetByteSlice(other[:])
	b.Negate()
	a.Add(&b)
	var diff Offset
	buf := a.Bytes()
	copy(diff[:], buf[:])
	return diff
}

// Transaction is a set of inputs, outputs, and kernels plus an offset.
// Invariant: sum(outputs) - sum(inputs) + fee*H == sum(excess) + offset*G.
type Transaction struct {
	Offset  Offset   `json:"offset"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
	Kernels []Kernel `json:"kernels"`
}

// Fee returns the sum of all kernel fees.
// Returns an error on overflow.
func (t *Transaction) Fee() (uint64, error) {
	var total uint64
	for _, k := range t.Kernels {
		if total > math.MaxUint64-k.Fee {
			return 0, fmt.Errorf("kernel fee overflow")
		}
		total += k.Fee
	}
	return total, nil
}

// LockHeight returns the maximum lock height across all kernels: the
// earliest height at which the transaction may be included in a block.
func (t *Transaction) LockHeight() uint64 {
	var max uint64
	for _, k := range t.Kernels {
		if k.Features == KernelHeightLocked && k.LockHeight > max {
			max = k.LockHeight
		}
	}
	return max
}

// Weight returns the transaction's weight in abstract weight units.
func (t *Transaction) Weight() uint64 {
	return uint64(len(t.Inputs))*WeightInput +
		uint64(len(t.Outputs))*WeightOutput +
		uint64(len(t.Kernels))*WeightKernel
}

// Hash computes the transaction ID over its canonical serialization.
func (t *Transaction) Hash() types.Hash {
	return crypto.Hash(t.bytes())
}

// bytes returns the canonical byte representation. The structure is assumed
// sorted; Sort is called by builders and aggregation before hashing.
func (t *Transaction) bytes() []byte {
	var buf []byte
	buf = append(buf, t.Offset[:]...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = append(buf, in.Commitment[:]...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = append(buf, byte(out.Features))
		buf = append(buf, out.Commitment[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = binary.LittleEndian.AppendUint64(buf, out.LockHeight)
		buf = append(buf, out.Proof...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Kernels)))
	for _, k := range t.Kernels {
		buf = append(buf, byte(k.Features))
		buf = append(buf, k.Excess[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, k.Fee)
		buf = binary.LittleEndian.AppendUint64(buf, k.LockHeight)
		buf = append(buf, k.Signature...)
	}

	return buf
}

// Sort puts inputs and outputs in canonical order (by commitment) and
// kernels by excess. Two nodes applying the same body must derive identical
// roots, so ordering is part of consensus.
func (t *Transaction) Sort() {
	sort.Slice(t.Inputs, func(i, j int) bool {
		return t.Inputs[i].Commitment.Less(t.Inputs[j].Commitment)
	})
	sort.Slice(t.Outputs, func(i, j int) bool {
		return t.Outputs[i].Commitment.Less(t.Outputs[j].Commitment)
	})
	sort.Slice(t.Kernels, func(i, j int) bool {
		return t.Kernels[i].Excess.Less(t.Kernels[j].Excess)
	})
}
