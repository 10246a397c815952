package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/keychain"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// keychainPath resolves the keychain file location, defaulting to
// <keystore-dir>/keychain.json when the config leaves it empty.
func keychainPath(cfg *config.Config) string {
	if cfg.Keychain.FilePath != "" {
		return expandHome(cfg.Keychain.FilePath)
	}
	return filepath.Join(cfg.KeystoreDir(), "keychain.json")
}

// openKeychain unlocks the configured keychain file.
func openKeychain(cfg *config.Config) (*keychain.Keychain, error) {
	path := keychainPath(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("keychain file %s: %w", path, err)
	}
	return keychain.Open(path, cfg.KeychainPassword)
}
