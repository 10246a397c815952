package keychain

import (
	"bytes"
	"path/filepath"
	"testing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func createTestKeychain(t *testing.T) (string, *Keychain) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.keychain")
	if err := Create(path, testMnemonic, "", []byte("password"), fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	kc, err := Open(path, []byte("password"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return path, kc
}

func TestCreateAndOpen(t *testing.T) {
	_, kc := createTestKeychain(t)

	if kc.NextIndex() != 0 {
		t.Errorf("NextIndex() = %d, want 0", kc.NextIndex())
	}
}

func TestCreate_RefusesOverwrite(t *testing.T) {
	path, _ := createTestKeychain(t)

	if err := Create(path, testMnemonic, "", []byte("other"), fastParams()); err == nil {
		t.Error("expected error creating over an existing keychain")
	}
}

func TestOpen_WrongPassword(t *testing.T) {
	path, _ := createTestKeychain(t)

	if _, err := Open(path, []byte("nope")); err == nil {
		t.Error("expected error opening with wrong password")
	}
}

func TestOpen_InvalidMnemonicRejectedAtCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.keychain")
	err := Create(path, "not a valid mnemonic", "", []byte("password"), fastParams())
	if err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestNextBlind_AdvancesAndPersists(t *testing.T) {
	path, kc := createTestKeychain(t)

	b0, i0, err := kc.NextBlind()
	if err != nil {
		t.Fatalf("NextBlind() error: %v", err)
	}
	b1, i1, err := kc.NextBlind()
	if err != nil {
		t.Fatalf("NextBlind() error: %v", err)
	}

	if i0 != 0 || i1 != 1 {
		t.Errorf("indices = %d, %d, want 0, 1", i0, i1)
	}
	if bytes.Equal(b0.Serialize(), b1.Serialize()) {
		t.Error("consecutive blinds are identical")
	}

	// A reopened keychain resumes past the used indices.
	reopened, err := Open(path, []byte("password"))
	if err != nil {
		t.Fatalf("Open() (reopen) error: %v", err)
	}
	if reopened.NextIndex() != 2 {
		t.Errorf("reopened NextIndex() = %d, want 2", reopened.NextIndex())
	}

	// And re-derives the same blind for a known index.
	again, err := reopened.BlindAt(i0)
	if err != nil {
		t.Fatalf("BlindAt() error: %v", err)
	}
	if !bytes.Equal(again.Serialize(), b0.Serialize()) {
		t.Error("BlindAt did not reproduce the original blind")
	}
}

func TestSameMnemonicSameBlinds(t *testing.T) {
	_, kc1 := createTestKeychain(t)
	_, kc2 := createTestKeychain(t)

	b1, err := kc1.BlindAt(5)
	if err != nil {
		t.Fatalf("BlindAt() error: %v", err)
	}
	b2, err := kc2.BlindAt(5)
	if err != nil {
		t.Fatalf("BlindAt() error: %v", err)
	}
	if !bytes.Equal(b1.Serialize(), b2.Serialize()) {
		t.Error("same mnemonic derived different blinds at the same index")
	}
}
