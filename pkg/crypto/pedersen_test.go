package crypto

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

func TestCommitDeterministic(t *testing.T) {
	key, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}

	c1, err := Commit(1000, key.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	c2, err := Commit(1000, key.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c1 != c2 {
		t.Errorf("same value and blind produced different commitments: %s vs %s", c1, c2)
	}

	c3, err := Commit(1001, key.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c1 == c3 {
		t.Error("different values produced identical commitments")
	}
}

func TestCommitZeroValueZeroBlind(t *testing.T) {
	if _, err := Commit(0, nil); err == nil {
		t.Error("expected error for commitment to zero value with zero blind")
	}
}

func TestCommitSumIsZeroBalanced(t *testing.T) {
	// in = out1 + out2 + fee, with blinds cancelled by the excess term:
	// C_out1 + C_out2 + fee*H + excess*G == C_in.
	rIn, _ := GenerateSecretKey()
	rOut1, _ := GenerateSecretKey()
	rOut2, _ := GenerateSecretKey()

	cIn, err := Commit(5000, rIn.Scalar())
	if err != nil {
		t.Fatalf("Commit in: %v", err)
	}
	cOut1, err := Commit(3000, rOut1.Scalar())
	if err != nil {
		t.Fatalf("Commit out1: %v", err)
	}
	cOut2, err := Commit(1900, rOut2.Scalar())
	if err != nil {
		t.Fatalf("Commit out2: %v", err)
	}
	cFee, err := CommitValue(100)
	if err != nil {
		t.Fatalf("CommitValue fee: %v", err)
	}

	excessScalar := BlindSum(
		[]*secp256k1.ModNScalar{rOut1.Scalar(), rOut2.Scalar()},
		[]*secp256k1.ModNScalar{rIn.Scalar()},
	)

	cExcess, err := OffsetToCommitment(excessScalar)
	if err != nil {
		t.Fatalf("OffsetToCommitment: %v", err)
	}

	zero, err := CommitSumIsZero(
		[]types.Commitment{cOut1, cOut2, cFee, cExcess},
		[]types.Commitment{cIn},
	)
	if err != nil {
		t.Fatalf("CommitSumIsZero: %v", err)
	}
	if !zero {
		t.Error("balanced commitment set did not sum to the identity")
	}

	// Perturb the fee: the sum must no longer cancel.
	cBadFee, err := CommitValue(101)
	if err != nil {
		t.Fatalf("CommitValue: %v", err)
	}
	zero, err = CommitSumIsZero(
		[]types.Commitment{cOut1, cOut2, cBadFee, cExcess},
		[]types.Commitment{cIn},
	)
	if err != nil {
		t.Fatalf("CommitSumIsZero: %v", err)
	}
	if zero {
		t.Error("unbalanced commitment set summed to the identity")
	}
}

func TestOutputProofRoundTrip(t *testing.T) {
	key, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}

	commit, err := Commit(42_000, key.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	proof, err := ProveOutput(commit, 42_000, key.Scalar())
	if err != nil {
		t.Fatalf("ProveOutput: %v", err)
	}

	if err := VerifyOutputProof(commit, 42_000, proof); err != nil {
		t.Errorf("valid proof rejected: %v", err)
	}

	// A proof must not verify against a different stated value.
	if err := VerifyOutputProof(commit, 42_001, proof); err == nil {
		t.Error("proof verified against wrong value")
	}

	// Nor against a different commitment.
	other, _ := GenerateSecretKey()
	otherCommit, err := Commit(42_000, other.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := VerifyOutputProof(otherCommit, 42_000, proof); err == nil {
		t.Error("proof verified against wrong commitment")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	key, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}

	msg := Hash([]byte("kernel signing message"))
	sig, err := key.Sign(msg[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !VerifySignature(msg[:], sig, key.PublicKey()) {
		t.Error("valid signature rejected")
	}

	tampered := Hash([]byte("different message"))
	if VerifySignature(tampered[:], sig, key.PublicKey()) {
		t.Error("signature verified against wrong message")
	}
}
