package mmr

import (
	"errors"
	"testing"

	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

func h(b byte) types.Hash {
	return crypto.Hash([]byte{b})
}

func TestRootDeterministic(t *testing.T) {
	build := func() *Tree {
		tree := New()
		for i := byte(0); i < 5; i++ {
			tree.Append(h(i))
		}
		tree.Commit(1)
		return tree
	}
	if build().Root() != build().Root() {
		t.Error("same leaves produced different roots")
	}
}

func TestRootChangesOnAppendAndSpend(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	tree.Append(h(2))
	tree.Commit(1)
	r1 := tree.Root()

	tree.Append(h(3))
	tree.Commit(2)
	r2 := tree.Root()
	if r1 == r2 {
		t.Error("append did not change root")
	}

	if err := tree.Spend(0); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	tree.Commit(3)
	if tree.Root() == r2 {
		t.Error("spend did not change root")
	}
}

func TestSpendErrors(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	tree.Commit(1)

	if err := tree.Spend(5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Spend(5) = %v, want ErrOutOfRange", err)
	}
	if err := tree.Spend(0); err != nil {
		t.Fatalf("Spend(0): %v", err)
	}
	if err := tree.Spend(0); !errors.Is(err, ErrAlreadySpent) {
		t.Errorf("double Spend(0) = %v, want ErrAlreadySpent", err)
	}
}

func TestRollbackDiscardsStagedMutations(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	tree.Append(h(2))
	tree.Commit(1)
	root := tree.Root()
	size := tree.Size()

	tree.Append(h(3))
	tree.Spend(0)
	tree.Rollback()

	if tree.Size() != size {
		t.Errorf("size after rollback = %d, want %d", tree.Size(), size)
	}
	if tree.Root() != root {
		t.Error("root changed after rollback")
	}
	if _, spent, _ := tree.Hash(0); spent {
		t.Error("staged spend survived rollback")
	}
}

func TestRewindRestoresEarlierState(t *testing.T) {
	tree := New()

	// Height 1: two leaves.
	tree.Append(h(1))
	tree.Append(h(2))
	tree.Commit(1)
	root1 := tree.Root()

	// Height 2: spend leaf 0, add a leaf.
	tree.Spend(0)
	tree.Append(h(3))
	tree.Commit(2)

	// Height 3: spend leaf 1.
	tree.Spend(1)
	tree.Append(h(4))
	tree.Commit(3)

	if err := tree.RewindTo(1); err != nil {
		t.Fatalf("RewindTo(1): %v", err)
	}
	if tree.Size() != 2 {
		t.Errorf("size after rewind = %d, want 2", tree.Size())
	}
	if tree.Root() != root1 {
		t.Error("root after rewind does not match height 1 root")
	}
	for pos := uint64(0); pos < 2; pos++ {
		if _, spent, _ := tree.Hash(pos); spent {
			t.Errorf("leaf %d still spent after rewind", pos)
		}
	}
}

func TestRewindToZeroEmptiesArena(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	tree.Commit(1)
	tree.Append(h(2))
	tree.Commit(2)

	if err := tree.RewindTo(0); err != nil {
		t.Fatalf("RewindTo(0): %v", err)
	}
	if tree.Size() != 0 {
		t.Errorf("size = %d, want 0", tree.Size())
	}
	if !tree.Root().IsZero() {
		t.Error("empty arena root should be zero")
	}
}

func TestRewindThenReplayReproducesRoot(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	tree.Append(h(2))
	tree.Commit(1)

	apply := func() {
		tree.Spend(1)
		tree.Append(h(7))
		tree.Append(h(8))
		tree.Commit(2)
	}

	apply()
	want := tree.Root()

	if err := tree.RewindTo(1); err != nil {
		t.Fatalf("RewindTo(1): %v", err)
	}
	apply()
	if got := tree.Root(); got != want {
		t.Errorf("replayed root = %s, want %s", got, want)
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	tree.Append(h(2))
	tree.Commit(1)
	tree.Spend(0)
	tree.Append(h(3))
	tree.Commit(2)

	data, err := tree.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	restored := New()
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if restored.Root() != tree.Root() {
		t.Error("restored root differs")
	}

	// Checkpoints survive: rewinding both trees agrees.
	if err := restored.RewindTo(1); err != nil {
		t.Fatalf("RewindTo(1) on restored: %v", err)
	}
	tree.RewindTo(1)
	if restored.Root() != tree.Root() {
		t.Error("restored tree rewinds to a different root")
	}
}

func TestSerializationRejectsStagedMutations(t *testing.T) {
	tree := New()
	tree.Append(h(1))
	if _, err := tree.MarshalBinary(); err == nil {
		t.Error("expected error serializing with staged appends")
	}
}
