// Package chain manages the blockchain state: the active tip, the
// authenticated output and kernel sets, fork handling, and reorgs.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/consensus"
	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/internal/metrics"
	"github.com/veiltide/veiltide-chain/internal/storage"
	"github.com/veiltide/veiltide-chain/internal/utxo"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// ErrGenesisMismatch is returned when the data directory holds a chain
// built from a different genesis than the configured one.
var ErrGenesisMismatch = errors.New("stored genesis does not match configuration")

// TipHandler is called after the active tip changes, outside hot loops but
// under the chain lock. Handlers must not call back into the chain.
type TipHandler func(tip Tip, blk *block.Block)

// Chain is the single-writer chain state manager. All mutation goes through
// ProcessBlock under one mutex; crypto-heavy verification runs on worker
// goroutines inside the validation stages, but staging the output and
// kernel sets is strictly serialized.
type Chain struct {
	mu sync.Mutex

	genesis *config.Genesis
	rules   config.ConsensusRules
	engine  *consensus.Engine

	db      storage.DB
	blocks  *BlockStore
	outputs *utxo.OutputSet
	kernels *utxo.KernelSet

	tip         Tip
	genesisHash types.Hash
	orphans     *orphanPool

	tipHandler TipHandler
}

// New opens the chain against the given database. If the database holds a
// previous session, the output and kernel sets are restored and checked
// against the stored tip header; a mismatch (crash between set flush and
// tip write) triggers a rebuild by replaying the stored blocks.
func New(gen *config.Genesis, db storage.DB) (*Chain, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}

	engine, err := consensus.NewEngine(gen.Protocol.Consensus)
	if err != nil {
		return nil, fmt.Errorf("consensus engine: %w", err)
	}

	c := &Chain{
		genesis: gen,
		rules:   gen.Protocol.Consensus,
		engine:  engine,
		db:      db,
		blocks:  NewBlockStore(db),
		outputs: utxo.NewOutputSet(),
		kernels: utxo.NewKernelSet(),
		orphans: newOrphanPool(),
	}

	tip, ok, err := c.blocks.GetTip()
	if err != nil {
		return nil, err
	}
	if !ok {
		return c, nil
	}

	if err := c.outputs.Load(db); err != nil {
		return nil, fmt.Errorf("load output set: %w", err)
	}
	if err := c.kernels.Load(db); err != nil {
		return nil, fmt.Errorf("load kernel set: %w", err)
	}

	head, err := c.blocks.GetBlock(tip.Hash)
	if err != nil {
		return nil, fmt.Errorf("load tip block: %w", err)
	}
	c.tip = tip

	gen0, err := c.blocks.GetBlockByHeight(0)
	if err != nil {
		return nil, fmt.Errorf("load genesis block: %w", err)
	}
	c.genesisHash = gen0.Hash()

	if c.outputs.Root() != head.Header.OutputRoot || c.kernels.Root() != head.Header.KernelRoot {
		log.Chain.Warn().
			Uint64("height", tip.Height).
			Msg("set roots disagree with tip header, rebuilding from blocks")
		if err := c.rebuildSets(); err != nil {
			return nil, fmt.Errorf("rebuild sets: %w", err)
		}
	}

	metrics.BlockHeight.Set(float64(c.tip.Height))
	metrics.TotalDifficulty.Set(float64(c.tip.TotalDifficulty))
	metrics.LiveOutputs.Set(float64(c.outputs.NumLive()))
	return c, nil
}

// Bootstrap ensures the chain has its genesis block. A fresh database gets
// the deterministic genesis for the configured network; a resumed one is
// checked against it.
func (c *Chain) Bootstrap() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	genBlk := NewGenesisBlock(c.genesis)
	genHash := genBlk.Hash()

	if !c.tip.IsZero() || !c.genesisHash.IsZero() {
		if c.genesisHash != genHash {
			return fmt.Errorf("%w: have %s, want %s", ErrGenesisMismatch, c.genesisHash, genHash)
		}
		log.Chain.Info().
			Uint64("height", c.tip.Height).
			Str("tip", c.tip.Hash.String()).
			Msg("resuming chain")
		return nil
	}

	// Empty sets sealed at height 0 anchor the rewind journal.
	if err := c.outputs.Commit(0); err != nil {
		return fmt.Errorf("commit genesis output set: %w", err)
	}
	if err := c.kernels.Commit(0); err != nil {
		return fmt.Errorf("commit genesis kernel set: %w", err)
	}

	tip := Tip{Hash: genHash, Height: 0, TotalDifficulty: genBlk.Header.TotalDifficulty}
	if err := c.blocks.CommitBlock(genBlk, tip); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	c.flushSets()

	c.tip = tip
	c.genesisHash = genHash
	log.Chain.Info().
		Str("chain_id", c.genesis.ChainID).
		Str("genesis", genHash.String()).
		Msg("chain initialized from genesis")
	return nil
}

// SetTipHandler registers the callback fired when the active tip changes.
func (c *Chain) SetTipHandler(fn TipHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipHandler = fn
}

// Tip returns the active tip.
func (c *Chain) Tip() Tip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// Height returns the active chain height.
func (c *Chain) Height() uint64 {
	return c.Tip().Height
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genesisHash
}

// Rules returns the consensus rules the chain was opened with.
func (c *Chain) Rules() config.ConsensusRules {
	return c.rules
}

// Engine returns the consensus engine (shared with the miner).
func (c *Chain) Engine() *consensus.Engine {
	return c.engine
}

// GetBlock retrieves a block by hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves the active chain block at the given height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// HasBlock reports whether a block is stored, active chain or not.
func (c *Chain) HasBlock(hash types.Hash) (bool, error) {
	return c.blocks.HasBlock(hash)
}

// IsOutputLive reports whether a commitment is unspent on the active chain.
func (c *Chain) IsOutputLive(commitment types.Commitment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs.IsLive(commitment)
}

// CheckSpendable reports whether a commitment can be spent at the given
// height on the active chain (live and past any maturity lock).
func (c *Chain) CheckSpendable(commitment types.Commitment, height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs.CheckSpendable(commitment, height)
}

// StageRoots computes the output and kernel roots a block with the given
// body would produce on top of the current tip, without committing. The
// miner uses this to fill candidate headers.
func (c *Chain) StageRoots(body block.Body) (outputRoot, kernelRoot types.Hash, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		c.outputs.Rollback()
		c.kernels.Rollback()
	}()

	if _, err = c.outputs.ApplyBlockOutputs(body.Outputs); err != nil {
		return types.Hash{}, types.Hash{}, err
	}
	if err = c.outputs.ApplyBlockInputs(body.Inputs); err != nil {
		return types.Hash{}, types.Hash{}, err
	}
	kernelRoot = c.kernels.ApplyBlockKernels(body.Kernels)
	outputRoot = c.outputs.Root()
	return outputRoot, kernelRoot, nil
}

// OrphanCount returns the number of blocks waiting in the orphan pool.
func (c *Chain) OrphanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orphans.len()
}

// rebuildSets discards the output and kernel sets and replays every active
// chain block from genesis. Replayed blocks were fully validated when first
// accepted, so only the apply step runs.
func (c *Chain) rebuildSets() error {
	c.outputs = utxo.NewOutputSet()
	c.kernels = utxo.NewKernelSet()

	for h := uint64(0); h <= c.tip.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if err := c.applyBody(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
	}
	c.flushSets()
	return nil
}

// applyBody stages and commits a block body without validation.
func (c *Chain) applyBody(blk *block.Block) error {
	if _, err := c.outputs.ApplyBlockOutputs(blk.Body.Outputs); err != nil {
		c.outputs.Rollback()
		return err
	}
	if err := c.outputs.ApplyBlockInputs(blk.Body.Inputs); err != nil {
		c.outputs.Rollback()
		return err
	}
	c.kernels.ApplyBlockKernels(blk.Body.Kernels)
	if err := c.outputs.Commit(blk.Header.Height); err != nil {
		return err
	}
	return c.kernels.Commit(blk.Header.Height)
}

// flushSets persists the output and kernel sets. A failed flush leaves the
// database behind the in-memory state with no way to reconcile; per the
// storage contract this is fatal.
func (c *Chain) flushSets() {
	if err := c.outputs.Flush(c.db); err != nil {
		log.Chain.Fatal().Err(err).Msg("flush output set")
	}
	if err := c.kernels.Flush(c.db); err != nil {
		log.Chain.Fatal().Err(err).Msg("flush kernel set")
	}
}

// lastOffset returns the cumulative kernel offset at the current tip.
func (c *Chain) lastOffset() (tx.Offset, error) {
	head, err := c.blocks.GetBlock(c.tip.Hash)
	if err != nil {
		return tx.Offset{}, err
	}
	return head.Header.TotalOffset, nil
}

// TipTotalOffset returns the cumulative kernel offset at the active tip.
// The miner folds a candidate body's offset into this value.
func (c *Chain) TipTotalOffset() (tx.Offset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOffset()
}
