// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// Keychain (blind derivation for mined coinbase outputs)
	Keychain KeychainConfig

	// Mining (operational, not consensus rules)
	Mining MiningConfig

	// Mempool (per-node policy)
	Mempool MempoolConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildState bool

	// KeychainPassword unlocks the keychain file. Collected at startup
	// (terminal prompt or environment), never written to the config file.
	KeychainPassword []byte
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seed nodes)
	ClearBans  bool     // Clear all peer bans on startup (not persisted in config file).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// KeychainConfig holds keychain settings.
type KeychainConfig struct {
	Enabled  bool   `conf:"keychain.enabled"`
	FilePath string `conf:"keychain.file"`
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled bool `conf:"mining.enabled"`
	Threads int  `conf:"mining.threads"`
}

// MempoolConfig holds per-node pool policy. These are local admission rules,
// not consensus: two nodes may disagree on them and still agree on blocks.
type MempoolConfig struct {
	MaxWeight  uint64 `conf:"mempool.maxweight"`  // Total pool weight before eviction kicks in.
	MinFeeRate uint64 `conf:"mempool.minfeerate"` // Minimum fee per weight unit to accept.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.veiltide
//	macOS:   ~/Library/Application Support/Veiltide
//	Windows: %APPDATA%\Veiltide
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veiltide"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Veiltide")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Veiltide")
		}
		return filepath.Join(home, "AppData", "Roaming", "Veiltide")
	default:
		return filepath.Join(home, ".veiltide")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// StateDir returns the chain state (output/kernel set) database directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.ChainDataDir(), "state")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the log file directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ChainDataDir(), "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "veiltide.conf")
}
