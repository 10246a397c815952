package config

import "testing"

func TestGenesis_Validate_MainnetValid(t *testing.T) {
	g := MainnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("mainnet genesis should be valid: %v", err)
	}
}

func TestGenesis_Validate_TestnetValid(t *testing.T) {
	g := TestnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("testnet genesis should be valid: %v", err)
	}
}

func TestGenesis_Validate_RejectsBadRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Genesis)
	}{
		{"empty chain id", func(g *Genesis) { g.ChainID = "" }},
		{"zero block time", func(g *Genesis) { g.Protocol.Consensus.BlockTime = 0 }},
		{"zero difficulty", func(g *Genesis) { g.Protocol.Consensus.InitialDifficulty = 0 }},
		{"tiny window", func(g *Genesis) { g.Protocol.Consensus.DifficultyWindow = 1 }},
		{"zero reward", func(g *Genesis) { g.Protocol.Consensus.BaseReward = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := MainnetGenesis()
			tc.mutate(g)
			if err := g.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBlockSubsidy_Halving(t *testing.T) {
	r := ConsensusRules{BaseReward: 50 * Coin, HalvingInterval: 100}

	cases := []struct {
		height uint64
		want   uint64
	}{
		{0, 50 * Coin},
		{99, 50 * Coin},
		{100, 25 * Coin},
		{200, 50 * Coin / 4},
		{100 * 64, 0}, // Shifted past 64 halvings.
	}
	for _, tc := range cases {
		if got := r.BlockSubsidy(tc.height); got != tc.want {
			t.Errorf("BlockSubsidy(%d) = %d, want %d", tc.height, got, tc.want)
		}
	}
}

func TestBlockSubsidy_NoHalving(t *testing.T) {
	r := ConsensusRules{BaseReward: 10 * Coin, HalvingInterval: 0}
	if got := r.BlockSubsidy(1_000_000); got != 10*Coin {
		t.Errorf("BlockSubsidy with no halving = %d, want %d", got, 10*Coin)
	}
}

func TestGenesisHash_Deterministic(t *testing.T) {
	a, err := MainnetGenesis().Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, _ := MainnetGenesis().Hash()
	if a != b {
		t.Error("genesis hash not deterministic")
	}
	tn, _ := TestnetGenesis().Hash()
	if a == tn {
		t.Error("mainnet and testnet genesis share a hash")
	}
}
