package crypto

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// valueGenSeed is the domain separator used to derive the value generator H.
// H must be a point of unknown discrete log relative to G, so it is obtained
// by hashing the seed to a curve point (try-and-increment).
const valueGenSeed = "veiltide/pedersen/value-generator/v1"

var (
	genOnce sync.Once
	genH    secp256k1.JacobianPoint
)

// valueGenerator returns the secondary generator H used for the value term
// of a commitment v*H + r*G.
func valueGenerator() *secp256k1.JacobianPoint {
	genOnce.Do(func() {
		var candidate [33]byte
		candidate[0] = 0x02
		for i := uint64(0); ; i++ {
			buf := make([]byte, 0, len(valueGenSeed)+8)
			buf = append(buf, valueGenSeed...)
			buf = binary.LittleEndian.AppendUint64(buf, i)
			h := Hash(buf)
			copy(candidate[1:], h[:])
			pk, err := secp256k1.ParsePubKey(candidate[:])
			if err != nil {
				continue // Not on the curve, try the next counter.
			}
			pk.AsJacobian(&genH)
			return
		}
	})
	return &genH
}

// Commit computes the Pedersen commitment value*H + blind*G.
// The blinding factor must be non-zero for zero-valued commitments, since
// the point at infinity has no serialization.
func Commit(value uint64, blind *secp256k1.ModNScalar) (types.Commitment, error) {
	var vH, rG, sum secp256k1.JacobianPoint

	if value > 0 {
		var v secp256k1.ModNScalar
		v.SetByteSlice(valueBytes(value))
		secp256k1.ScalarMultNonConst(&v, valueGenerator(), &vH)
	}
	if blind != nil && !blind.IsZero() {
		secp256k1.ScalarBaseMultNonConst(blind, &rG)
	}

	secp256k1.AddNonConst(&vH, &rG, &sum)
	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return types.Commitment{}, fmt.Errorf("commitment to zero value with zero blind")
	}
	return serializePoint(&sum), nil
}

// CommitValue computes value*H with a zero blinding factor. Used for the
// explicit fee and issuance terms of the balance equation.
func CommitValue(value uint64) (types.Commitment, error) {
	if value == 0 {
		return types.Commitment{}, fmt.Errorf("zero value has no commitment")
	}
	return Commit(value, nil)
}

// BlindSum returns sum(positive) - sum(negative) over the scalar group.
// Transaction builders use it to derive kernel excess secrets and offsets.
func BlindSum(positive, negative []*secp256k1.ModNScalar) *secp256k1.ModNScalar {
	var sum secp256k1.ModNScalar
	for _, s := range positive {
		sum.Add(s)
	}
	for _, s := range negative {
		neg := *s
		neg.Negate()
		sum.Add(&neg)
	}
	return &sum
}

// CommitSumIsZero reports whether sum(positive) - sum(negative) is the group
// identity. This is the homomorphic balance check: for a balanced set of
// commitments the value and blinding components both cancel exactly.
func CommitSumIsZero(positive, negative []types.Commitment) (bool, error) {
	var acc secp256k1.JacobianPoint

	for _, c := range positive {
		var p secp256k1.JacobianPoint
		if err := commitAsJacobian(c, &p); err != nil {
			return false, err
		}
		secp256k1.AddNonConst(&acc, &p, &acc)
	}
	for _, c := range negative {
		var p secp256k1.JacobianPoint
		if err := commitAsJacobian(c, &p); err != nil {
			return false, err
		}
		p.Y.Negate(1).Normalize()
		secp256k1.AddNonConst(&acc, &p, &acc)
	}

	return acc.Z.IsZero() || (acc.X.IsZero() && acc.Y.IsZero()), nil
}

// CommitSum computes sum(positive) - sum(negative) as a commitment.
// Returns an error if the result is the point at infinity (a fully
// cancelled sum), which has no serialized form.
func CommitSum(positive, negative []types.Commitment) (types.Commitment, error) {
	var acc secp256k1.JacobianPoint

	for _, c := range positive {
		var p secp256k1.JacobianPoint
		if err := commitAsJacobian(c, &p); err != nil {
			return types.Commitment{}, err
		}
		secp256k1.AddNonConst(&acc, &p, &acc)
	}
	for _, c := range negative {
		var p secp256k1.JacobianPoint
		if err := commitAsJacobian(c, &p); err != nil {
			return types.Commitment{}, err
		}
		p.Y.Negate(1).Normalize()
		secp256k1.AddNonConst(&acc, &p, &acc)
	}

	if acc.Z.IsZero() || (acc.X.IsZero() && acc.Y.IsZero()) {
		return types.Commitment{}, fmt.Errorf("commitment sum is the identity")
	}
	return serializePoint(&acc), nil
}

// CommitToPubKey reinterprets a commitment as a secp256k1 public key, for
// verifying a Schnorr signature made with the commitment's opening.
func CommitToPubKey(c types.Commitment) (*secp256k1.PublicKey, error) {
	pk, err := secp256k1.ParsePubKey(c[:])
	if err != nil {
		return nil, fmt.Errorf("commitment is not a valid curve point: %w", err)
	}
	return pk, nil
}

// OffsetToCommitment computes offset*G as a commitment, so the block-level
// kernel offset can participate in the balance equation.
func OffsetToCommitment(offset *secp256k1.ModNScalar) (types.Commitment, error) {
	if offset == nil || offset.IsZero() {
		return types.Commitment{}, fmt.Errorf("zero offset has no commitment")
	}
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(offset, &p)
	return serializePoint(&p), nil
}

// commitAsJacobian parses a serialized commitment into a Jacobian point.
func commitAsJacobian(c types.Commitment, result *secp256k1.JacobianPoint) error {
	pk, err := secp256k1.ParsePubKey(c[:])
	if err != nil {
		return fmt.Errorf("bad commitment %s: %w", c, err)
	}
	pk.AsJacobian(result)
	return nil
}

// serializePoint converts a Jacobian point to its 33-byte compressed form.
func serializePoint(p *secp256k1.JacobianPoint) types.Commitment {
	affine := *p
	affine.ToAffine()
	pk := secp256k1.NewPublicKey(&affine.X, &affine.Y)
	var c types.Commitment
	copy(c[:], pk.SerializeCompressed())
	return c
}

// valueBytes encodes a uint64 value as a 32-byte big-endian scalar.
func valueBytes(v uint64) []byte {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], v)
	return b[:]
}
