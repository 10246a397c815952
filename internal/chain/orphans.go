package chain

import (
	"errors"

	"github.com/veiltide/veiltide-chain/internal/metrics"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// ErrOrphan is returned when a block's parent is unknown. The block is held
// in the orphan pool; the p2p layer should fetch the missing ancestors.
var ErrOrphan = errors.New("orphan block")

// maxOrphans bounds the orphan pool. The oldest orphan is evicted when a
// new one arrives at capacity.
const maxOrphans = 256

type orphanPool struct {
	byHash   map[types.Hash]*block.Block
	byParent map[types.Hash][]types.Hash
	order    []types.Hash // Arrival order, for eviction.
}

func newOrphanPool() *orphanPool {
	return &orphanPool{
		byHash:   make(map[types.Hash]*block.Block),
		byParent: make(map[types.Hash][]types.Hash),
	}
}

// add stores an orphan, evicting the oldest when the pool is full.
// Duplicates are ignored.
func (p *orphanPool) add(blk *block.Block) {
	hash := blk.Hash()
	if _, ok := p.byHash[hash]; ok {
		return
	}
	if len(p.order) >= maxOrphans {
		p.remove(p.order[0])
	}
	p.byHash[hash] = blk
	p.byParent[blk.Header.PrevHash] = append(p.byParent[blk.Header.PrevHash], hash)
	p.order = append(p.order, hash)
	metrics.OrphanPoolSize.Set(float64(len(p.byHash)))
}

// take removes and returns all orphans waiting on the given parent.
func (p *orphanPool) take(parent types.Hash) []*block.Block {
	hashes := p.byParent[parent]
	if len(hashes) == 0 {
		return nil
	}
	blocks := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if blk, ok := p.byHash[h]; ok {
			blocks = append(blocks, blk)
		}
	}
	for _, h := range hashes {
		p.remove(h)
	}
	return blocks
}

func (p *orphanPool) remove(hash types.Hash) {
	blk, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)

	siblings := p.byParent[blk.Header.PrevHash]
	for i, h := range siblings {
		if h == hash {
			p.byParent[blk.Header.PrevHash] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(p.byParent[blk.Header.PrevHash]) == 0 {
		delete(p.byParent, blk.Header.PrevHash)
	}
	for i, h := range p.order {
		if h == hash {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	metrics.OrphanPoolSize.Set(float64(len(p.byHash)))
}

func (p *orphanPool) len() int {
	return len(p.byHash)
}
