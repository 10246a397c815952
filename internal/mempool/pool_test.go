package mempool

import (
	"errors"
	"testing"

	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// fakeChain is a ChainView backed by a map of live commitments and the
// height each becomes spendable at.
type fakeChain struct {
	height uint64
	live   map[types.Commitment]uint64
}

func newFakeChain(height uint64) *fakeChain {
	return &fakeChain{height: height, live: make(map[types.Commitment]uint64)}
}

func (f *fakeChain) Height() uint64 { return f.height }

func (f *fakeChain) CheckSpendable(c types.Commitment, height uint64) error {
	from, ok := f.live[c]
	if !ok {
		return errors.New("output not in live set")
	}
	if height < from {
		return errors.New("output not yet spendable")
	}
	return nil
}

func (f *fakeChain) IsOutputLive(c types.Commitment) bool {
	_, ok := f.live[c]
	return ok
}

// fund registers a commitment for the given value and blind as live.
func (f *fakeChain) fund(t *testing.T, value uint64, blind *crypto.SecretKey) {
	t.Helper()
	commit, err := crypto.Commit(value, blind.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.live[commit] = 0
}

func newKey(t *testing.T) *crypto.SecretKey {
	t.Helper()
	key, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	return key
}

// spendTx builds a transaction spending (value, blind) into a fresh output,
// leaving fee for the kernel. Returns the tx and the output blind.
func spendTx(t *testing.T, value uint64, blind *crypto.SecretKey, fee uint64) (*tx.Transaction, *crypto.SecretKey) {
	t.Helper()
	outKey := newKey(t)
	transaction, err := tx.NewBuilder().
		SpendInput(value, blind).
		AddOutput(value-fee, outKey).
		SetFee(fee).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return transaction, outKey
}

func TestAddAndGet(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	transaction, _ := spendTx(t, 1000, key, 10)

	fee, err := pool.Add(transaction)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if fee != 10 {
		t.Errorf("fee = %d, want 10", fee)
	}
	if !pool.Has(transaction.Hash()) {
		t.Error("pool does not report admitted tx")
	}
	if got := pool.Get(transaction.Hash()); got == nil {
		t.Error("Get returned nil for admitted tx")
	}
	if pool.Count() != 1 {
		t.Errorf("Count = %d, want 1", pool.Count())
	}
	if pool.TotalWeight() != transaction.Weight() {
		t.Errorf("TotalWeight = %d, want %d", pool.TotalWeight(), transaction.Weight())
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	transaction, _ := spendTx(t, 1000, key, 10)

	if _, err := pool.Add(transaction); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := pool.Add(transaction)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("got %v, want ErrAlreadyExists", err)
	}
}

func TestAddRejectsUnknownInput(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	// Input never funded on the chain.
	transaction, _ := spendTx(t, 1000, newKey(t), 10)
	_, err := pool.Add(transaction)
	if !errors.Is(err, ErrMissingInput) {
		t.Errorf("got %v, want ErrMissingInput", err)
	}
}

func TestAddRejectsImmatureInput(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	commit, err := crypto.Commit(1000, key.Scalar())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	chain.live[commit] = 100 // spendable far in the future

	transaction, _ := spendTx(t, 1000, key, 10)
	if _, err := pool.Add(transaction); !errors.Is(err, ErrMissingInput) {
		t.Errorf("got %v, want ErrMissingInput", err)
	}
}

func TestAddRejectsLockedKernel(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	outKey := newKey(t)
	transaction, err := tx.NewBuilder().
		SpendInput(1000, key).
		AddOutput(990, outKey).
		SetFee(10).
		SetLockHeight(500).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := pool.Add(transaction); !errors.Is(err, ErrNotYetValid) {
		t.Errorf("got %v, want ErrNotYetValid", err)
	}
}

func TestAddRejectsDuplicateOutputOnChain(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	inKey := newKey(t)
	chain.fund(t, 1000, inKey)

	outKey := newKey(t)
	transaction, err := tx.NewBuilder().
		SpendInput(1000, inKey).
		AddOutput(990, outKey).
		SetFee(10).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// The exact output commitment is already live on the chain.
	chain.fund(t, 990, outKey)

	if _, err := pool.Add(transaction); !errors.Is(err, ErrDuplicateOut) {
		t.Errorf("got %v, want ErrDuplicateOut", err)
	}
}

func TestConflictHigherFeeRateReplaces(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)

	// Both spend the same chain output.
	tx1, _ := spendTx(t, 1000, key, 10)
	tx2, _ := spendTx(t, 1000, key, 20)

	if _, err := pool.Add(tx1); err != nil {
		t.Fatalf("Add tx1: %v", err)
	}
	if _, err := pool.Add(tx2); err != nil {
		t.Fatalf("Add tx2 (replacement): %v", err)
	}

	if pool.Has(tx1.Hash()) {
		t.Error("displaced tx1 still in pool")
	}
	if !pool.Has(tx2.Hash()) {
		t.Error("replacement tx2 not in pool")
	}

	// A third conflicting spend at a lower rate is rejected outright.
	tx3, _ := spendTx(t, 1000, key, 15)
	if _, err := pool.Add(tx3); !errors.Is(err, ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}

	// The loser never reappears in block selection.
	for _, sel := range pool.SelectForBlock(1 << 20) {
		if sel.Hash() == tx1.Hash() || sel.Hash() == tx3.Hash() {
			t.Error("selection includes a displaced transaction")
		}
	}
}

func TestSpendPooledOutputAndSelectionOrder(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)

	// parent pays a lower rate than child; selection must still emit the
	// parent first.
	parent, outKey := spendTx(t, 1000, key, 10)
	child, _ := spendTx(t, 990, outKey, 90)

	if _, err := pool.Add(parent); err != nil {
		t.Fatalf("Add parent: %v", err)
	}
	if _, err := pool.Add(child); err != nil {
		t.Fatalf("Add child: %v", err)
	}

	sel := pool.SelectForBlock(1 << 20)
	if len(sel) != 2 {
		t.Fatalf("selected %d txs, want 2", len(sel))
	}
	if sel[0].Hash() != parent.Hash() || sel[1].Hash() != child.Hash() {
		t.Error("child selected before the parent that funds it")
	}
}

func TestRemoveCascadesToDependents(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	parent, outKey := spendTx(t, 1000, key, 10)
	child, _ := spendTx(t, 990, outKey, 20)

	if _, err := pool.Add(parent); err != nil {
		t.Fatalf("Add parent: %v", err)
	}
	if _, err := pool.Add(child); err != nil {
		t.Fatalf("Add child: %v", err)
	}

	pool.Remove(parent.Hash())
	if pool.Has(child.Hash()) {
		t.Error("child survived removal of the parent funding it")
	}
	if pool.Count() != 0 {
		t.Errorf("Count = %d, want 0", pool.Count())
	}
	if pool.TotalWeight() != 0 {
		t.Errorf("TotalWeight = %d, want 0", pool.TotalWeight())
	}
}

func TestSelectForBlockRespectsWeightBudget(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	// Three independent txs, weight 25 each (1 input, 1 output, 1 kernel),
	// with distinct fees.
	fees := []uint64{30, 20, 10}
	hashes := make([]types.Hash, len(fees))
	for i, fee := range fees {
		key := newKey(t)
		chain.fund(t, 1000, key)
		transaction, _ := spendTx(t, 1000, key, fee)
		if _, err := pool.Add(transaction); err != nil {
			t.Fatalf("Add: %v", err)
		}
		hashes[i] = transaction.Hash()
	}

	// Budget for exactly two.
	sel := pool.SelectForBlock(50)
	if len(sel) != 2 {
		t.Fatalf("selected %d txs, want 2", len(sel))
	}
	if sel[0].Hash() != hashes[0] || sel[1].Hash() != hashes[1] {
		t.Error("selection did not prefer the highest fee rates")
	}
}

func TestPoolFullEvictsCheapest(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 50) // room for two txs of weight 25

	keyA, keyB, keyC := newKey(t), newKey(t), newKey(t)
	chain.fund(t, 1000, keyA)
	chain.fund(t, 1000, keyB)
	chain.fund(t, 1000, keyC)

	cheap, _ := spendTx(t, 1000, keyA, 5)
	mid, _ := spendTx(t, 1000, keyB, 10)
	if _, err := pool.Add(cheap); err != nil {
		t.Fatalf("Add cheap: %v", err)
	}
	if _, err := pool.Add(mid); err != nil {
		t.Fatalf("Add mid: %v", err)
	}

	// A worse-paying tx cannot displace anything.
	worse, _ := spendTx(t, 1000, keyC, 3)
	if _, err := pool.Add(worse); !errors.Is(err, ErrPoolFull) {
		t.Errorf("got %v, want ErrPoolFull", err)
	}

	// A better-paying one displaces the cheapest entry.
	better, _ := spendTx(t, 1000, keyC, 50)
	if _, err := pool.Add(better); err != nil {
		t.Fatalf("Add better: %v", err)
	}
	if pool.Has(cheap.Hash()) {
		t.Error("cheapest entry survived capacity eviction")
	}
	if !pool.Has(mid.Hash()) || !pool.Has(better.Hash()) {
		t.Error("wrong entries evicted")
	}
}

func TestMinFeeRate(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)
	pool.SetMinFeeRate(1.0) // one base unit per weight unit

	key := newKey(t)
	chain.fund(t, 1000, key)

	// Weight 25, fee 10: rate 0.4, below the floor.
	low, _ := spendTx(t, 1000, key, 10)
	if _, err := pool.Add(low); !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("got %v, want ErrFeeTooLow", err)
	}

	// Fee 30: rate 1.2, admitted.
	ok, _ := spendTx(t, 1000, key, 30)
	if _, err := pool.Add(ok); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestReconcileRemovesConfirmed(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	transaction, _ := spendTx(t, 1000, key, 10)
	if _, err := pool.Add(transaction); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The block confirms the transaction's kernel.
	blk := block.NewBlock(
		&block.Header{Height: 11},
		block.BodyFromTransaction(transaction),
	)
	chain.height = 11
	pool.Reconcile(blk)

	if pool.Has(transaction.Hash()) {
		t.Error("confirmed transaction still in pool")
	}
}

func TestReconcileKeepsChildOfConfirmedParent(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	parent, outKey := spendTx(t, 1000, key, 10)
	child, _ := spendTx(t, 990, outKey, 20)

	if _, err := pool.Add(parent); err != nil {
		t.Fatalf("Add parent: %v", err)
	}
	if _, err := pool.Add(child); err != nil {
		t.Fatalf("Add child: %v", err)
	}

	// A block confirms only the parent; its output is now live on chain.
	blk := block.NewBlock(
		&block.Header{Height: 11},
		block.BodyFromTransaction(parent),
	)
	chain.height = 11
	delete(chain.live, parent.Inputs[0].Commitment)
	chain.fund(t, 990, outKey)
	pool.Reconcile(blk)

	if pool.Has(parent.Hash()) {
		t.Error("confirmed parent still in pool")
	}
	if !pool.Has(child.Hash()) {
		t.Error("valid child evicted when its parent confirmed")
	}

	// The child is now chain-backed and must still be selectable.
	sel := pool.SelectForBlock(1 << 20)
	if len(sel) != 1 || sel[0].Hash() != child.Hash() {
		t.Error("child missing from block selection after parent confirmed")
	}
}

func TestReconcileDropsDoubleSpentEntries(t *testing.T) {
	chain := newFakeChain(10)
	pool := New(chain, 0)

	key := newKey(t)
	chain.fund(t, 1000, key)
	pooled, _ := spendTx(t, 1000, key, 10)
	if _, err := pool.Add(pooled); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A competing spend of the same output confirms instead: the input
	// vanishes from the live set.
	competitor, _ := spendTx(t, 1000, key, 20)
	inCommit := competitor.Inputs[0].Commitment
	delete(chain.live, inCommit)

	blk := block.NewBlock(
		&block.Header{Height: 11},
		block.BodyFromTransaction(competitor),
	)
	chain.height = 11
	pool.Reconcile(blk)

	if pool.Has(pooled.Hash()) {
		t.Error("entry spending a now-spent output still in pool")
	}
}
