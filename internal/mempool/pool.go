// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
	ErrFeeTooLow     = errors.New("transaction fee below minimum")
	ErrMissingInput  = errors.New("transaction input not spendable")
	ErrDuplicateOut  = errors.New("transaction output commitment already exists")
	ErrNotYetValid   = errors.New("transaction lock height not reached")
)

// ChainView is the read-only chain access the pool needs: the current
// height, spendability of live outputs, and output existence for duplicate
// detection. *chain.Chain satisfies it.
type ChainView interface {
	Height() uint64
	CheckSpendable(commitment types.Commitment, height uint64) error
	IsOutputLive(commitment types.Commitment) bool
}

// entry wraps a transaction with its precomputed fee and weight.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	weight  uint64
	feeRate float64 // fee per weight unit
}

// Pool holds unconfirmed transactions. Spent commitments index the pool for
// conflict detection; created commitments index it for dependency tracking,
// so a transaction may spend an output another pooled transaction creates.
type Pool struct {
	mu          sync.RWMutex
	txs         map[types.Hash]*entry
	spends      map[types.Commitment]types.Hash // input commitment -> spender
	provides    map[types.Commitment]types.Hash // output commitment -> creator
	totalWeight uint64

	maxWeight  uint64
	minFeeRate float64 // base units per weight unit, 0 disables
	chain      ChainView
	policy     *Policy
}

// New creates a pool bounded by total transaction weight.
func New(chain ChainView, maxWeight uint64) *Pool {
	if maxWeight == 0 {
		maxWeight = DefaultMaxPoolWeight
	}
	return &Pool{
		txs:       make(map[types.Hash]*entry),
		spends:    make(map[types.Commitment]types.Hash),
		provides:  make(map[types.Commitment]types.Hash),
		maxWeight: maxWeight,
		chain:     chain,
		policy:    DefaultPolicy(),
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per weight unit).
func (p *Pool) SetMinFeeRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate.
func (p *Pool) MinFeeRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// Add validates a transaction and admits it to the pool, returning its fee.
//
// Inputs must be spendable on the active chain at the next height, or be
// outputs created by a transaction already pooled. A transaction spending a
// commitment an existing entry already spends replaces that entry only when
// it pays a strictly higher fee rate; the displaced entry and anything
// depending on its outputs are dropped.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	if err := p.policy.Check(transaction); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Full stateless validation: signatures, proofs, balance.
	if err := transaction.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	fee, err := transaction.Fee()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	nextHeight := p.chain.Height() + 1
	if lh := transaction.LockHeight(); lh > nextHeight {
		return 0, fmt.Errorf("%w: kernel locked until %d, next block is %d", ErrNotYetValid, lh, nextHeight)
	}

	// Contextual input check and conflict scan.
	conflicts := make(map[types.Hash]struct{})
	for _, in := range transaction.Inputs {
		if spender, ok := p.spends[in.Commitment]; ok {
			conflicts[spender] = struct{}{}
			continue
		}
		if _, ok := p.provides[in.Commitment]; ok {
			continue // spends an unconfirmed pooled output
		}
		if err := p.chain.CheckSpendable(in.Commitment, nextHeight); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrMissingInput, in.Commitment, err)
		}
	}

	// Output commitments must be new to both the chain and the pool.
	for _, out := range transaction.Outputs {
		if p.chain.IsOutputLive(out.Commitment) {
			return 0, fmt.Errorf("%w: %s on chain", ErrDuplicateOut, out.Commitment)
		}
		if _, ok := p.provides[out.Commitment]; ok {
			return 0, fmt.Errorf("%w: %s in pool", ErrDuplicateOut, out.Commitment)
		}
	}

	weight := transaction.Weight()
	feeRate := float64(fee) / float64(weight)

	if p.minFeeRate > 0 && feeRate < p.minFeeRate {
		return 0, fmt.Errorf("%w: rate %.3f, need %.3f", ErrFeeTooLow, feeRate, p.minFeeRate)
	}

	// A double-spend displaces the incumbents only for a better rate.
	for h := range conflicts {
		if feeRate <= p.txs[h].feeRate {
			return 0, fmt.Errorf("%w: input spent by %s at rate %.3f", ErrConflict, h, p.txs[h].feeRate)
		}
	}
	for h := range conflicts {
		p.removeLocked(h)
	}

	// Capacity is bounded by total weight; shed the cheapest entries as long
	// as the newcomer pays a better rate than what it displaces.
	for p.totalWeight+weight > p.maxWeight {
		lowestHash, lowestRate := p.lowestFeeRate()
		if lowestRate == math.MaxFloat64 || feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		fee:     fee,
		weight:  weight,
		feeRate: feeRate,
	}
	p.txs[txHash] = e
	p.totalWeight += weight
	for _, in := range transaction.Inputs {
		p.spends[in.Commitment] = txHash
	}
	for _, out := range transaction.Outputs {
		p.provides[out.Commitment] = txHash
	}

	log.Mempool.Debug().
		Str("tx", txHash.String()).
		Uint64("fee", fee).
		Uint64("weight", weight).
		Int("pool_size", len(p.txs)).
		Msg("transaction admitted")
	return fee, nil
}

// Remove removes a transaction and everything spending its outputs.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

// removeLocked drops an entry and cascades to dependents: entries spending
// an output the removed transaction would have created cannot confirm.
func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	p.dropLocked(e)
	for _, out := range e.tx.Outputs {
		if dependent, ok := p.spends[out.Commitment]; ok {
			p.removeLocked(dependent)
		}
	}
}

// dropLocked removes a single entry without touching dependents. Used when
// a block confirms the entry: its outputs are then live on chain, so a
// pooled transaction spending them is still valid.
func (p *Pool) dropLocked(e *entry) {
	delete(p.txs, e.txHash)
	p.totalWeight -= e.weight
	for _, in := range e.tx.Inputs {
		if p.spends[in.Commitment] == e.txHash {
			delete(p.spends, in.Commitment)
		}
	}
	for _, out := range e.tx.Outputs {
		if p.provides[out.Commitment] == e.txHash {
			delete(p.provides, out.Commitment)
		}
	}
}

// Has checks if a transaction exists in the pool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the pool, nil when absent.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a pooled transaction (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// TotalWeight returns the combined weight of all pooled transactions.
func (p *Pool) TotalWeight() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalWeight
}

// MaxWeight returns the pool's capacity in weight units.
func (p *Pool) MaxWeight() uint64 {
	return p.maxWeight
}

// Hashes returns the hashes of all pooled transactions.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// lowestFeeRate returns the hash and rate of the cheapest entry that has no
// pooled dependents (evicting it must not orphan a better-paying child).
// Must be called with p.mu held.
func (p *Pool) lowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate >= lowestRate {
			continue
		}
		leaf := true
		for _, out := range e.tx.Outputs {
			if _, ok := p.spends[out.Commitment]; ok {
				leaf = false
				break
			}
		}
		if leaf {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions for a candidate block: highest fee
// rate first, within the weight budget, and in dependency order so that a
// transaction spending a pooled output follows its creator.
func (p *Pool) SelectForBlock(maxWeight uint64) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].txHash.String() < entries[j].txHash.String()
	})

	selected := make([]*tx.Transaction, 0, len(entries))
	provided := make(map[types.Commitment]struct{})
	picked := make(map[types.Hash]struct{})
	var weight uint64

	// Multiple passes let a high-rate child enter once its cheaper parent
	// is in. Each pass admits at least one entry or the loop ends.
	for {
		progress := false
		for _, e := range entries {
			if _, done := picked[e.txHash]; done {
				continue
			}
			if weight+e.weight > maxWeight {
				continue
			}
			if !p.dependenciesMet(e, provided) {
				continue
			}
			picked[e.txHash] = struct{}{}
			selected = append(selected, e.tx)
			weight += e.weight
			for _, out := range e.tx.Outputs {
				provided[out.Commitment] = struct{}{}
			}
			progress = true
		}
		if !progress {
			break
		}
	}
	return selected
}

// dependenciesMet reports whether every pool-internal input of e is already
// provided by a selected transaction. Chain-backed inputs were checked at
// admission. Must be called with p.mu held.
func (p *Pool) dependenciesMet(e *entry, provided map[types.Commitment]struct{}) bool {
	for _, in := range e.tx.Inputs {
		if _, pooled := p.provides[in.Commitment]; !pooled {
			continue
		}
		if _, ok := provided[in.Commitment]; !ok {
			return false
		}
	}
	return true
}

// Reconcile drops pool entries invalidated by a new chain tip: transactions
// whose kernels the block confirmed, and transactions whose inputs are no
// longer spendable (spent by the block, or unwound by a reorg).
func (p *Pool) Reconcile(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirmed := make(map[types.Commitment]struct{}, len(blk.Body.Kernels))
	for _, k := range blk.Body.Kernels {
		confirmed[k.Excess] = struct{}{}
	}

	// Confirmed entries are dropped without cascading: their outputs are
	// live on chain now, so dependents may still confirm. The liveness pass
	// below judges those dependents on the actual chain state.
	before := len(p.txs)
	for _, h := range p.hashesLocked() {
		e := p.txs[h]
		for _, k := range e.tx.Kernels {
			if _, c := confirmed[k.Excess]; c {
				p.dropLocked(e)
				break
			}
		}
	}

	nextHeight := p.chain.Height() + 1
	for _, h := range p.hashesLocked() {
		e, ok := p.txs[h]
		if !ok {
			continue
		}
		for _, in := range e.tx.Inputs {
			if creator, pooled := p.provides[in.Commitment]; pooled && creator != h {
				continue // still backed by an unconfirmed pooled output
			}
			if err := p.chain.CheckSpendable(in.Commitment, nextHeight); err != nil {
				p.removeLocked(h)
				break
			}
		}
	}

	if removed := before - len(p.txs); removed > 0 {
		log.Mempool.Debug().
			Int("removed", removed).
			Uint64("height", blk.Header.Height).
			Int("pool_size", len(p.txs)).
			Msg("pool reconciled with new tip")
	}
}

// hashesLocked snapshots the current keys so removal during iteration is
// safe. Must be called with p.mu held.
func (p *Pool) hashesLocked() []types.Hash {
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}
