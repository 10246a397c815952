package keychain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
)

// keystoreFile is the on-disk JSON format for an encrypted keychain.
type keystoreFile struct {
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	EncryptedSeed  []byte    `json:"encrypted_seed"`
	NextBlindIndex uint32    `json:"next_blind_index"`
}

// Keychain is an unlocked keychain: the decrypted master key plus the
// persisted derivation cursor. NextBlind advances the cursor and writes it
// back, so a restarted node never reuses a blind index.
type Keychain struct {
	mu     sync.Mutex
	path   string
	file   keystoreFile
	master *HDKey
}

// Create writes a new encrypted keychain file for the given mnemonic.
// Fails if the file already exists.
func Create(path, mnemonic, passphrase string, password []byte, params EncryptionParams) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keychain file %q already exists", path)
	}

	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return err
	}

	encrypted, err := Encrypt(seed, password, params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}
	for i := range seed {
		seed[i] = 0
	}

	kf := keystoreFile{
		Version:       1,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: encrypted,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	return writeFile(path, &kf)
}

// Open decrypts a keychain file and returns the unlocked keychain.
func Open(path string, password []byte) (*Keychain, error) {
	kf, err := readFile(path)
	if err != nil {
		return nil, err
	}

	seed, err := Decrypt(kf.EncryptedSeed, password)
	if err != nil {
		return nil, fmt.Errorf("unlock keychain: %w", err)
	}

	master, err := NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		return nil, err
	}

	log.Keychain.Info().
		Str("file", path).
		Uint32("next_index", kf.NextBlindIndex).
		Msg("keychain unlocked")
	return &Keychain{path: path, file: *kf, master: master}, nil
}

// NextBlind derives the blind at the current cursor, persists the advanced
// cursor, and returns the blind with its index. The index is committed to
// disk before the blind is handed out: a crash skips an index rather than
// reusing one.
func (k *Keychain) NextBlind() (*crypto.SecretKey, uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	index := k.file.NextBlindIndex
	k.file.NextBlindIndex++
	if err := writeFile(k.path, &k.file); err != nil {
		k.file.NextBlindIndex = index
		return nil, 0, fmt.Errorf("persist blind index: %w", err)
	}

	blind, err := k.blindAt(index)
	if err != nil {
		return nil, 0, err
	}
	return blind, index, nil
}

// BlindAt re-derives the blind at a known index, for spending previously
// mined outputs.
func (k *Keychain) BlindAt(index uint32) (*crypto.SecretKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.blindAt(index)
}

func (k *Keychain) blindAt(index uint32) (*crypto.SecretKey, error) {
	key, err := k.master.DeriveBlind(index)
	if err != nil {
		return nil, fmt.Errorf("derive blind %d: %w", index, err)
	}
	return key.SecretKey()
}

// NextIndex returns the derivation cursor without advancing it.
func (k *Keychain) NextIndex() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.file.NextBlindIndex
}

// CoinbaseBlind adapts NextBlind to the miner's blind source signature.
func (k *Keychain) CoinbaseBlind() (*crypto.SecretKey, error) {
	blind, _, err := k.NextBlind()
	return blind, err
}

func writeFile(path string, kf *keystoreFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keychain: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write keychain: %w", err)
	}
	return nil
}

func readFile(path string) (*keystoreFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keychain: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keychain: %w", err)
	}
	if kf.Version != 1 {
		return nil, fmt.Errorf("unsupported keychain version: %d", kf.Version)
	}
	return &kf, nil
}
