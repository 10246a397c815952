package chain

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Validation pipeline stages. A block walks the stages in order; any
// failure sends it to rejected and the staging view is discarded.
const (
	stageReceived   = "received"
	stageStructural = "structurally_valid"
	stageCutThrough = "cut_through_applied"
	stageBalance    = "balance_verified"
	stageApplied    = "applied"
	stageRejected   = "rejected"
)

// Pipeline events.
const (
	evStructure  = "structure_checked"
	evCutThrough = "cut_through_checked"
	evBalance    = "balance_checked"
	evApply      = "apply"
	evReject     = "reject"
)

// pipeline tracks a single block through the validation stages.
type pipeline struct {
	m    *fsm.FSM
	hash types.Hash
}

func newPipeline(hash types.Hash) *pipeline {
	return &pipeline{
		hash: hash,
		m: fsm.NewFSM(
			stageReceived,
			fsm.Events{
				{Name: evStructure, Src: []string{stageReceived}, Dst: stageStructural},
				{Name: evCutThrough, Src: []string{stageStructural}, Dst: stageCutThrough},
				{Name: evBalance, Src: []string{stageCutThrough}, Dst: stageBalance},
				{Name: evApply, Src: []string{stageBalance}, Dst: stageApplied},
				{
					Name: evReject,
					Src: []string{
						stageReceived, stageStructural, stageCutThrough, stageBalance,
					},
					Dst: stageRejected,
				},
			},
			fsm.Callbacks{},
		),
	}
}

// advance fires a pipeline event. Transitions are fixed at construction, so
// a failed event means a processor bug; it is logged and swallowed.
func (p *pipeline) advance(event string) {
	if err := p.m.Event(context.Background(), event); err != nil {
		log.Chain.Error().
			Err(err).
			Str("block", p.hash.String()).
			Str("stage", p.m.Current()).
			Str("event", event).
			Msg("pipeline transition failed")
		return
	}
	log.Chain.Debug().
		Str("block", p.hash.String()).
		Str("stage", p.m.Current()).
		Msg("validation stage")
}

// reject moves the block to the rejected stage.
func (p *pipeline) reject() {
	p.advance(evReject)
}

// stage returns the current pipeline stage.
func (p *pipeline) stage() string {
	return p.m.Current()
}
