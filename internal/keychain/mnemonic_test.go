package keychain

import (
	"strings"
	"testing"
)

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}

	if words := len(strings.Fields(mnemonic)); words != 24 {
		t.Errorf("mnemonic has %d words, want 24", words)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic fails validation")
	}
}

func TestGenerateMnemonic_Unique(t *testing.T) {
	a, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	b, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	if a == b {
		t.Error("two generated mnemonics are identical")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		valid    bool
	}{
		{"valid 12 words", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", true},
		{"bad checksum", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", false},
		{"wrong word count", "abandon about", false},
		{"unknown word", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon zzzzz", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMnemonic(tt.mnemonic); got != tt.valid {
				t.Errorf("ValidateMnemonic() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestSeedFromMnemonic(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	seed, err := SeedFromMnemonic(mnemonic, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if len(seed) != SeedSize {
		t.Errorf("seed length = %d, want %d", len(seed), SeedSize)
	}

	// Passphrase changes the seed.
	other, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if string(seed) == string(other) {
		t.Error("different passphrases produced the same seed")
	}

	if _, err := SeedFromMnemonic("garbage", ""); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}
