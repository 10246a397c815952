package crypto

import (
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// In this explicit-amount protocol variant the range proof degenerates to an
// ownership proof: amounts are visible (and non-negative by type), so an
// output only has to prove that its commitment actually binds the stated
// value. The proof is a Schnorr signature by the blinding factor r over the
// point C - v*H, which equals r*G exactly when C = v*H + r*G.

// ProveOutput produces the ownership proof for a commitment to the given
// value under the given blinding factor.
func ProveOutput(commit types.Commitment, value uint64, blind *secp256k1.ModNScalar) ([]byte, error) {
	key, err := SecretKeyFromScalar(blind)
	if err != nil {
		return nil, fmt.Errorf("output proof: %w", err)
	}
	msg := proofMessage(commit, value)
	sig, err := key.Sign(msg[:])
	if err != nil {
		return nil, fmt.Errorf("output proof: %w", err)
	}
	return sig, nil
}

// VerifyOutputProof checks that the commitment binds the stated value.
func VerifyOutputProof(commit types.Commitment, value uint64, proof []byte) error {
	if len(proof) != SignatureSize {
		return fmt.Errorf("proof must be %d bytes, got %d", SignatureSize, len(proof))
	}

	// P = C - v*H. If the commitment opens to (value, r), P is r*G and the
	// signature verifies against it as a public key.
	var p secp256k1.JacobianPoint
	if err := commitAsJacobian(commit, &p); err != nil {
		return err
	}
	if value > 0 {
		var v secp256k1.ModNScalar
		v.SetByteSlice(valueBytes(value))
		var vH secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&v, valueGenerator(), &vH)
		vH.ToAffine()
		vH.Y.Negate(1).Normalize()
		secp256k1.AddNonConst(&p, &vH, &p)
	}
	if p.Z.IsZero() || (p.X.IsZero() && p.Y.IsZero()) {
		return fmt.Errorf("degenerate proof point for commitment %s", commit)
	}

	keyPoint := serializePoint(&p)
	pubKey, err := secp256k1.ParsePubKey(keyPoint[:])
	if err != nil {
		return fmt.Errorf("proof point not on curve: %w", err)
	}

	msg := proofMessage(commit, value)
	if !verifyWithPubKey(msg[:], proof, pubKey) {
		return fmt.Errorf("ownership proof does not verify for commitment %s", commit)
	}
	return nil
}

// proofMessage is the signed message binding the proof to one commitment
// and one explicit value.
func proofMessage(commit types.Commitment, value uint64) types.Hash {
	buf := make([]byte, 0, types.CommitmentSize+8)
	buf = append(buf, commit[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, value)
	return Hash(buf)
}
