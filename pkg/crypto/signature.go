package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// SignatureSize is the length of a serialized Schnorr signature.
const SignatureSize = 64

// SecretKey wraps a secp256k1 scalar used as a signing key. Blinding
// factors, kernel excess secrets, and offsets are all SecretKeys.
type SecretKey struct {
	key *secp256k1.PrivateKey
}

// GenerateSecretKey creates a new random secret key.
func GenerateSecretKey() (*SecretKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

// SecretKeyFromBytes creates a SecretKey from a 32-byte scalar.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("secret key scalar is zero")
	}
	return &SecretKey{key: key}, nil
}

// SecretKeyFromScalar wraps an existing scalar as a SecretKey.
func SecretKeyFromScalar(s *secp256k1.ModNScalar) (*SecretKey, error) {
	if s == nil || s.IsZero() {
		return nil, fmt.Errorf("secret key scalar is zero")
	}
	return &SecretKey{key: secp256k1.NewPrivateKey(s)}, nil
}

// Scalar returns the underlying group scalar.
func (sk *SecretKey) Scalar() *secp256k1.ModNScalar {
	return &sk.key.Key
}

// Sign produces a Schnorr signature over a 32-byte message hash.
func (sk *SecretKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(sk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (sk *SecretKey) PublicKey() []byte {
	return sk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte secret scalar.
func (sk *SecretKey) Serialize() []byte {
	return sk.key.Serialize()
}

// Zero securely zeroes the key material.
func (sk *SecretKey) Zero() {
	sk.key.Zero()
}

// VerifySignature checks a Schnorr signature against a 32-byte hash and a
// compressed public key. Returns false on any parse or verification error.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	return verifyWithPubKey(hash, signature, pubKey)
}

func verifyWithPubKey(hash, signature []byte, pubKey *secp256k1.PublicKey) bool {
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}
