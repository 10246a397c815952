package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/veiltide/veiltide-chain/internal/consensus"
	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/internal/metrics"
	"github.com/veiltide/veiltide-chain/internal/storage"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown         = errors.New("block already known")
	ErrBadHeight          = errors.New("block height does not follow parent")
	ErrBadTotalDifficulty = errors.New("total difficulty does not follow parent")
	ErrRootMismatch       = errors.New("applied roots do not match header")
)

// ProcessBlock validates a block and applies it to the chain.
//
// A block extending the active tip runs the full pipeline and becomes the
// new tip. A block extending a stored side branch is structurally validated
// and retained; if its total difficulty beats the active tip, a reorg runs.
// A block with an unknown parent goes to the orphan pool and ErrOrphan is
// returned so the caller can fetch ancestors. Accepting a block retries any
// orphans that were waiting on it.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processBlock(blk)
}

func (c *Chain) processBlock(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	parent, err := c.blocks.GetBlock(blk.Header.PrevHash)
	if errors.Is(err, storage.ErrNotFound) {
		c.orphans.add(blk)
		log.Chain.Debug().
			Str("block", hash.String()).
			Str("parent", blk.Header.PrevHash.String()).
			Uint64("height", blk.Header.Height).
			Msg("orphan block pooled")
		return fmt.Errorf("%w: parent %s", ErrOrphan, blk.Header.PrevHash)
	}
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}

	if blk.Header.PrevHash == c.tip.Hash {
		if err := c.extendTip(blk, parent.Header); err != nil {
			metrics.BlocksRejected.Inc()
			return err
		}
	} else {
		if err := c.acceptSideBlock(blk, parent.Header); err != nil {
			metrics.BlocksRejected.Inc()
			return err
		}
	}

	c.retryOrphans(hash)
	return nil
}

// extendTip runs the fast path: validate against the tip and apply.
func (c *Chain) extendTip(blk *block.Block, parent *block.Header) error {
	if err := c.validateAndConnect(blk, parent); err != nil {
		return err
	}

	hash := blk.Hash()
	tip := Tip{Hash: hash, Height: blk.Header.Height, TotalDifficulty: blk.Header.TotalDifficulty}
	if err := c.blocks.CommitBlock(blk, tip); err != nil {
		// The sets are already committed in memory; a dead block store
		// cannot be reconciled.
		log.Chain.Fatal().Err(err).Msg("persist block")
	}
	c.flushSets()
	c.setTip(tip, blk)

	log.Chain.Info().
		Uint64("height", tip.Height).
		Str("hash", hash.String()).
		Int("inputs", len(blk.Body.Inputs)).
		Int("outputs", len(blk.Body.Outputs)).
		Int("kernels", len(blk.Body.Kernels)).
		Msg("block accepted")
	return nil
}

// acceptSideBlock validates a fork block statelessly, stores it, and
// triggers a reorg when its branch carries more work than the active tip.
// Equal work keeps the current tip: first seen wins.
func (c *Chain) acceptSideBlock(blk *block.Block, parent *block.Header) error {
	if err := c.validateHeader(blk.Header, parent); err != nil {
		return err
	}
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("validate side block: %w", err)
	}
	if err := c.blocks.StoreBlock(blk); err != nil {
		return fmt.Errorf("store side block: %w", err)
	}

	if blk.Header.TotalDifficulty <= c.tip.TotalDifficulty {
		log.Chain.Debug().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()).
			Uint64("total_difficulty", blk.Header.TotalDifficulty).
			Msg("side block retained as candidate")
		return nil
	}

	return c.reorg(blk)
}

// validateAndConnect runs the staged validation pipeline against a known
// parent and, on success, leaves the block committed in the output and
// kernel sets. Any failure discards the staging view.
func (c *Chain) validateAndConnect(blk *block.Block, parent *block.Header) error {
	p := newPipeline(blk.Hash())
	fail := func(err error) error {
		p.reject()
		return err
	}

	if err := c.validateHeader(blk.Header, parent); err != nil {
		return fail(err)
	}
	if err := blk.Validate(); err != nil {
		return fail(fmt.Errorf("validate block: %w", err))
	}
	p.advance(evStructure)

	// Bodies arrive aggregated; Validate rejected any commitment on both
	// sides, so the body is fully cut through.
	p.advance(evCutThrough)

	offset := blk.Header.Offset(parent.TotalOffset)
	issuance := c.rules.BlockSubsidy(blk.Header.Height)
	if err := tx.VerifyBodyBalance(blk.Body.Inputs, blk.Body.Outputs, blk.Body.Kernels, offset, issuance); err != nil {
		return fail(fmt.Errorf("body balance: %w", err))
	}
	p.advance(evBalance)

	if err := c.connectBlock(blk); err != nil {
		return fail(err)
	}
	p.advance(evApply)
	return nil
}

// connectBlock applies the body to the output and kernel sets, compares the
// resulting roots to the header, and commits. Any failure rolls the staged
// mutations back.
func (c *Chain) connectBlock(blk *block.Block) error {
	for _, in := range blk.Body.Inputs {
		if err := c.outputs.CheckSpendable(in.Commitment, blk.Header.Height); err != nil {
			return err
		}
	}

	if _, err := c.outputs.ApplyBlockOutputs(blk.Body.Outputs); err != nil {
		c.outputs.Rollback()
		return err
	}
	if err := c.outputs.ApplyBlockInputs(blk.Body.Inputs); err != nil {
		c.outputs.Rollback()
		return err
	}
	kernelRoot := c.kernels.ApplyBlockKernels(blk.Body.Kernels)
	outputRoot := c.outputs.Root()

	if outputRoot != blk.Header.OutputRoot || kernelRoot != blk.Header.KernelRoot {
		c.outputs.Rollback()
		c.kernels.Rollback()
		return fmt.Errorf("%w: output %s vs %s, kernel %s vs %s", ErrRootMismatch,
			outputRoot, blk.Header.OutputRoot, kernelRoot, blk.Header.KernelRoot)
	}

	if err := c.outputs.Commit(blk.Header.Height); err != nil {
		return fmt.Errorf("commit output set: %w", err)
	}
	if err := c.kernels.Commit(blk.Header.Height); err != nil {
		return fmt.Errorf("commit kernel set: %w", err)
	}
	return nil
}

// validateHeader checks linkage and consensus fields against the parent:
// height sequence, timestamp bounds, the difficulty demanded by the
// adjustment rule, total difficulty accumulation, and proof of work.
func (c *Chain) validateHeader(header, parent *block.Header) error {
	if header.Height != parent.Height+1 {
		return fmt.Errorf("%w: parent %d, got %d", ErrBadHeight, parent.Height, header.Height)
	}
	if err := c.engine.VerifyTimestamp(header, parent.Timestamp, uint64(time.Now().Unix())); err != nil {
		return err
	}

	window, err := c.difficultyWindow(parent)
	if err != nil {
		return fmt.Errorf("difficulty window: %w", err)
	}
	if err := c.engine.VerifyDifficulty(header, window); err != nil {
		return err
	}

	if header.TotalDifficulty != parent.TotalDifficulty+header.Difficulty {
		return fmt.Errorf("%w: parent %d + %d != %d", ErrBadTotalDifficulty,
			parent.TotalDifficulty, header.Difficulty, header.TotalDifficulty)
	}

	return c.engine.VerifyHeader(header)
}

// difficultyWindow collects up to DifficultyWindow headers ending at the
// given header, oldest first. Walking parent links by hash keeps the window
// correct on side branches, where the height index does not apply.
func (c *Chain) difficultyWindow(last *block.Header) ([]consensus.HeaderInfo, error) {
	size := int(c.rules.DifficultyWindow)
	window := make([]consensus.HeaderInfo, 0, size)

	header := last
	for {
		window = append(window, consensus.HeaderInfo{
			Timestamp:  header.Timestamp,
			Difficulty: header.Difficulty,
		})
		if len(window) == size || header.Height == 0 {
			break
		}
		blk, err := c.blocks.GetBlock(header.PrevHash)
		if err != nil {
			return nil, err
		}
		header = blk.Header
	}

	// Reverse to oldest-first.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// NextDifficulty returns the difficulty required for the block after the
// active tip. The miner stamps this into candidate headers.
func (c *Chain) NextDifficulty() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, err := c.blocks.GetBlock(c.tip.Hash)
	if err != nil {
		return 0, err
	}
	window, err := c.difficultyWindow(head.Header)
	if err != nil {
		return 0, err
	}
	return c.engine.NextDifficulty(window), nil
}

// setTip updates the in-memory tip and fires the tip handler.
func (c *Chain) setTip(tip Tip, blk *block.Block) {
	c.tip = tip
	metrics.BlockHeight.Set(float64(tip.Height))
	metrics.TotalDifficulty.Set(float64(tip.TotalDifficulty))
	metrics.LiveOutputs.Set(float64(c.outputs.NumLive()))
	metrics.BlocksAccepted.Inc()
	if c.tipHandler != nil {
		c.tipHandler(tip, blk)
	}
}

// retryOrphans re-processes orphans whose parent just arrived. Failures
// drop the orphan; a peer can resend it.
func (c *Chain) retryOrphans(parent types.Hash) {
	for _, orphan := range c.orphans.take(parent) {
		if err := c.processBlock(orphan); err != nil && !errors.Is(err, ErrBlockKnown) {
			log.Chain.Debug().
				Err(err).
				Str("block", orphan.Hash().String()).
				Msg("orphan rejected on retry")
		}
	}
}
