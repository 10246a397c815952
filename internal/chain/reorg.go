package chain

import (
	"errors"
	"fmt"

	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/internal/metrics"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Reorg errors.
var (
	// ErrReorgFailed reports a new branch that failed replay. The original
	// branch has been restored; the failure is a warning, not corruption.
	ErrReorgFailed = errors.New("reorg failed, original branch restored")

	// ErrReorgTooDeep rejects branches that fork further back than the
	// rewind journal is expected to cover.
	ErrReorgTooDeep = errors.New("reorg too deep")

	// ErrGenesisReorg rejects branches that would replace genesis.
	ErrGenesisReorg = errors.New("reorg would replace genesis block")
)

// maxReorgDepth bounds how many blocks a reorg may rewind.
const maxReorgDepth = 1000

// reorg switches the active chain to the branch ending at newTip. The
// output and kernel sets rewind to the fork point, the new branch replays
// ascending with full validation, and the height index is repointed. If any
// new block fails, the original branch is reapplied and ErrReorgFailed is
// returned. Runs to completion or restoration; it is not cancellable.
func (c *Chain) reorg(newTip *block.Block) error {
	branch, err := c.collectBranch(newTip)
	if err != nil {
		return err
	}
	forkHeight := branch[0].Header.Height - 1
	oldTip := c.tip

	// Capture the branch being abandoned so it can be restored on failure.
	oldBranch := make([]*block.Block, 0, oldTip.Height-forkHeight)
	for h := forkHeight + 1; h <= oldTip.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old branch at height %d: %w", h, err)
		}
		oldBranch = append(oldBranch, blk)
	}

	log.Chain.Info().
		Uint64("fork_height", forkHeight).
		Uint64("old_height", oldTip.Height).
		Uint64("new_height", newTip.Header.Height).
		Str("new_tip", newTip.Hash().String()).
		Msg("reorganizing chain")

	// Resolve the fork-point header before touching the sets: a failure
	// here must leave the active chain untouched.
	parent, err := c.headerAt(forkHeight, branch[0].Header.PrevHash)
	if err != nil {
		return err
	}

	if err := c.rewindTo(forkHeight); err != nil {
		log.Chain.Fatal().Err(err).Msg("rewind to fork point")
	}
	for _, blk := range branch {
		if err := c.validateAndConnect(blk, parent); err != nil {
			c.restoreBranch(oldBranch, forkHeight, blk.Header.Height)
			log.Chain.Warn().
				Err(err).
				Uint64("height", blk.Header.Height).
				Str("block", blk.Hash().String()).
				Msg("reorg replay failed")
			return fmt.Errorf("%w: block at height %d: %v", ErrReorgFailed, blk.Header.Height, err)
		}
		if err := c.blocks.PutBlock(blk); err != nil {
			log.Chain.Fatal().Err(err).Msg("index replayed block")
		}
		parent = blk.Header
	}

	// Drop stale height entries when the new branch is shorter.
	for h := newTip.Header.Height + 1; h <= oldTip.Height; h++ {
		if err := c.blocks.DeleteHeightIndex(h); err != nil {
			log.Chain.Fatal().Err(err).Msg("prune height index")
		}
	}

	tip := Tip{
		Hash:            newTip.Hash(),
		Height:          newTip.Header.Height,
		TotalDifficulty: newTip.Header.TotalDifficulty,
	}
	if err := c.blocks.SetTip(tip); err != nil {
		log.Chain.Fatal().Err(err).Msg("persist tip")
	}
	c.flushSets()
	c.setTip(tip, newTip)
	metrics.Reorgs.Inc()

	log.Chain.Info().
		Uint64("height", tip.Height).
		Str("tip", tip.Hash.String()).
		Uint64("reverted", oldTip.Height-forkHeight).
		Uint64("applied", tip.Height-forkHeight).
		Msg("reorg complete")
	return nil
}

// collectBranch walks parent links from newTip back to the fork point with
// the active chain and returns the branch in ascending height order.
func (c *Chain) collectBranch(newTip *block.Block) ([]*block.Block, error) {
	var branch []*block.Block
	blk := newTip

	for {
		branch = append(branch, blk)
		if len(branch) > maxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, maxReorgDepth)
		}
		if blk.Header.Height == 0 {
			return nil, ErrGenesisReorg
		}

		parentHeight := blk.Header.Height - 1
		onChain, err := c.blocks.GetBlockByHeight(parentHeight)
		if err == nil && onChain.Hash() == blk.Header.PrevHash {
			break // Fork point found.
		}

		blk, err = c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return nil, fmt.Errorf("load branch block: %w", err)
		}
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// rewindTo restores the output and kernel sets to their state as of the
// given height.
func (c *Chain) rewindTo(height uint64) error {
	if err := c.outputs.RewindTo(height); err != nil {
		return fmt.Errorf("rewind output set: %w", err)
	}
	if err := c.kernels.RewindTo(height); err != nil {
		return fmt.Errorf("rewind kernel set: %w", err)
	}
	return nil
}

// restoreBranch reapplies the original branch after a failed replay. The
// blocks were valid when first accepted, so only the apply step runs; any
// failure here means the journal is corrupt and the process cannot
// continue safely.
func (c *Chain) restoreBranch(oldBranch []*block.Block, forkHeight, replayedTo uint64) {
	if err := c.rewindTo(forkHeight); err != nil {
		log.Chain.Fatal().Err(err).Msg("rewind for branch restore")
	}
	for _, blk := range oldBranch {
		if err := c.applyBody(blk); err != nil {
			log.Chain.Fatal().
				Err(err).
				Uint64("height", blk.Header.Height).
				Msg("restore original branch")
		}
		if err := c.blocks.PutBlock(blk); err != nil {
			log.Chain.Fatal().Err(err).Msg("reindex original branch")
		}
	}

	// The failed replay may have written height entries past the original
	// tip; point the index back at the original branch only.
	for h := forkHeight + uint64(len(oldBranch)) + 1; h <= replayedTo; h++ {
		if err := c.blocks.DeleteHeightIndex(h); err != nil {
			log.Chain.Fatal().Err(err).Msg("prune height index after restore")
		}
	}
}

// headerAt returns the header at the given height on the active chain,
// confirming it matches the expected hash.
func (c *Chain) headerAt(height uint64, want types.Hash) (*block.Header, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("load fork point at height %d: %w", height, err)
	}
	if blk.Hash() != want {
		return nil, fmt.Errorf("fork point mismatch at height %d: have %s, want %s",
			height, blk.Hash(), want)
	}
	return blk.Header, nil
}
