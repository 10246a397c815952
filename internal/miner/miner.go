// Package miner produces candidate blocks and seals them with proof of work.
package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/chain"
	"github.com/veiltide/veiltide-chain/internal/consensus"
	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// ChainState is the chain access the miner needs to assemble a candidate
// on top of the active tip. *chain.Chain satisfies it.
type ChainState interface {
	Tip() chain.Tip
	GetBlock(hash types.Hash) (*block.Block, error)
	NextDifficulty() (uint64, error)
	StageRoots(body block.Body) (outputRoot, kernelRoot types.Hash, err error)
	TipTotalOffset() (tx.Offset, error)
}

// TxSource selects pending transactions for inclusion, dependency-ordered
// and within the given weight budget.
type TxSource interface {
	SelectForBlock(maxWeight uint64) []*tx.Transaction
}

// BlindSource supplies the blinding factor for the coinbase output. The
// keychain provides one per block so the node operator can later spend the
// reward.
type BlindSource func() (*crypto.SecretKey, error)

// coinbaseWeight is the body weight a coinbase adds: one output and one
// kernel, no inputs.
const coinbaseWeight = tx.WeightOutput + tx.WeightKernel

// Miner builds and seals blocks. It holds no mutable state; every call
// reads the chain tip fresh, so a stale candidate costs nothing but the
// wasted proof-of-work attempt the caller cancels.
type Miner struct {
	chain  ChainState
	engine *consensus.Engine
	pool   TxSource
	rules  config.ConsensusRules
	blind  BlindSource
}

// New creates a block producer. A nil pool mines empty blocks; a nil blind
// source generates a throwaway blind per block, leaving the reward
// unspendable (useful only for tests and burn-in).
func New(chainState ChainState, engine *consensus.Engine, pool TxSource, rules config.ConsensusRules, blind BlindSource) *Miner {
	if blind == nil {
		blind = func() (*crypto.SecretKey, error) {
			return crypto.GenerateSecretKey()
		}
	}
	return &Miner{
		chain:  chainState,
		engine: engine,
		pool:   pool,
		rules:  rules,
		blind:  blind,
	}
}

// ProduceBlock builds and seals a block on the current tip.
// The block is NOT applied to the chain; the caller submits it via
// ProcessBlock like any other block.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.ProduceBlockCtx(context.Background())
}

// ProduceBlockCtx builds and seals a block with cancellation support. When
// the context is cancelled (typically because the tip moved), sealing stops
// and the context error is returned.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	tip := m.chain.Tip()
	parent, err := m.chain.GetBlock(tip.Hash)
	if err != nil {
		return nil, fmt.Errorf("load tip block: %w", err)
	}
	height := tip.Height + 1

	// Strictly after the parent; the consensus drift bound caps the other
	// direction.
	timestamp := uint64(time.Now().Unix())
	if timestamp <= parent.Header.Timestamp {
		timestamp = parent.Header.Timestamp + 1
	}

	var selected []*tx.Transaction
	if m.pool != nil {
		selected = m.pool.SelectForBlock(config.MaxBlockWeight - coinbaseWeight)
	}

	var fees uint64
	for _, t := range selected {
		fee, err := t.Fee()
		if err != nil {
			return nil, fmt.Errorf("selected tx fee: %w", err)
		}
		fees += fee
	}

	blind, err := m.blind()
	if err != nil {
		return nil, fmt.Errorf("coinbase blind: %w", err)
	}
	reward := m.rules.BlockSubsidy(height) + fees
	coinbase, err := tx.NewCoinbase(reward, blind, height+config.CoinbaseMaturity)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	// One aggregation folds the pool selection and the coinbase into a
	// single cut-through body with one combined offset.
	full, err := tx.Aggregate(append(selected, coinbase))
	if err != nil {
		return nil, fmt.Errorf("aggregate body: %w", err)
	}
	body := block.BodyFromTransaction(full)

	outputRoot, kernelRoot, err := m.chain.StageRoots(body)
	if err != nil {
		return nil, fmt.Errorf("stage roots: %w", err)
	}
	difficulty, err := m.chain.NextDifficulty()
	if err != nil {
		return nil, fmt.Errorf("next difficulty: %w", err)
	}
	prevOffset, err := m.chain.TipTotalOffset()
	if err != nil {
		return nil, fmt.Errorf("tip offset: %w", err)
	}

	header := &block.Header{
		Version:         block.CurrentVersion,
		PrevHash:        tip.Hash,
		Height:          height,
		Timestamp:       timestamp,
		OutputRoot:      outputRoot,
		KernelRoot:      kernelRoot,
		TotalOffset:     prevOffset.Add(full.Offset),
		Difficulty:      difficulty,
		TotalDifficulty: tip.TotalDifficulty + difficulty,
	}

	blk := block.NewBlock(header, body)
	started := time.Now()
	if err := m.engine.SealWithCancel(ctx, blk); err != nil {
		return nil, err
	}

	log.Miner.Info().
		Uint64("height", height).
		Str("hash", blk.Hash().String()).
		Int("txs", len(selected)).
		Uint64("fees", fees).
		Uint64("reward", reward).
		Dur("seal_time", time.Since(started)).
		Msg("block sealed")
	return blk, nil
}
