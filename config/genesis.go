package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^9 base units. All on-chain values are in base units.
const (
	Decimals  = 9
	Coin      = 1_000_000_000 // 10^9 base units per coin
	MilliCoin = 1_000_000     // 10^6
	MicroCoin = 1_000         // 10^3
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents spends of rewards that a reorg removes.
const CoinbaseMaturity uint64 = 60

// MaxBlockWeight is the consensus weight limit for a block body.
// Inputs weigh 1, kernels 3, outputs 21 (they carry the ownership proof
// and persist in the output set until spent).
const MaxBlockWeight uint64 = 40_000

// MaxTxWeight is the weight limit for a single pool transaction. Smaller
// than a block so that one transaction can never crowd out the coinbase.
const MaxTxWeight uint64 = MaxBlockWeight / 4

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "VLT")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Block timing
	BlockTime uint64 `json:"block_time"` // Target seconds between blocks

	// Difficulty adjustment
	InitialDifficulty uint64 `json:"initial_difficulty"`
	DifficultyWindow  uint64 `json:"difficulty_window"` // Headers per adjustment window
	MaxTimeDrift      uint64 `json:"max_time_drift"`    // Seconds a header may lead wall clock

	// Issuance
	BaseReward      uint64 `json:"base_reward"`                // Base units issued per block before halving
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
}

// BlockSubsidy returns the coin issuance for a block at the given height.
// The subsidy halves every HalvingInterval blocks until it reaches zero.
func (r *ConsensusRules) BlockSubsidy(height uint64) uint64 {
	if r.HalvingInterval == 0 {
		return r.BaseReward
	}
	halvings := height / r.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return r.BaseReward >> halvings
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "veiltide-mainnet-1",
		ChainName: "Veiltide Mainnet",
		Symbol:    "VLT",
		Timestamp: 1767225600, // 2026-01-01
		ExtraData: "Veiltide Genesis",
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:         60, // 60 second blocks
				InitialDifficulty: 1_000_000,
				DifficultyWindow:  60,  // One hour of headers per adjustment
				MaxTimeDrift:      300, // 5 minutes ahead of wall clock
				BaseReward:        50 * Coin,
				HalvingInterval:   1_050_000, // ~2 years
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "veiltide-testnet-1"
	g.ChainName = "Veiltide Testnet"
	g.ExtraData = "Veiltide Testnet Genesis"

	// Relaxed rules so a laptop can mine test blocks.
	g.Protocol.Consensus.InitialDifficulty = 1000
	g.Protocol.Consensus.BlockTime = 10
	g.Protocol.Consensus.DifficultyWindow = 30

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := &g.Protocol.Consensus
	if c.BlockTime == 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if c.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}
	if c.DifficultyWindow < 2 {
		return fmt.Errorf("difficulty_window must be at least 2")
	}
	if c.BaseReward == 0 {
		return fmt.Errorf("base_reward must be positive")
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
