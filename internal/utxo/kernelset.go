package utxo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veiltide/veiltide-chain/internal/mmr"
	"github.com/veiltide/veiltide-chain/internal/storage"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Storage keys for Flush/Load.
var (
	keyKernelTree   = []byte("ks/tree")
	prefixKernelEnt = []byte("ks/e/")
)

// KernelSet is the append-only history of all kernels ever applied. Nothing
// is ever spent; RewindTo is pure truncation.
type KernelSet struct {
	tree    *mmr.Tree
	kernels []tx.Kernel
}

// NewKernelSet creates an empty kernel set.
func NewKernelSet() *KernelSet {
	return &KernelSet{tree: mmr.New()}
}

// kernelLeaf hashes a kernel into its arena leaf.
// Format: features(1) | excess(33) | fee(8) | lock_height(8) | signature
func kernelLeaf(k *tx.Kernel) types.Hash {
	buf := make([]byte, 0, 50+len(k.Signature))
	buf = append(buf, byte(k.Features))
	buf = append(buf, k.Excess[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, k.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, k.LockHeight)
	buf = append(buf, k.Signature...)
	return crypto.Hash(buf)
}

// ApplyBlockKernels appends a block's kernels and returns the resulting
// root. Kernels are never deduplicated: an identical kernel in a later
// block is a distinct history entry.
func (s *KernelSet) ApplyBlockKernels(kernels []tx.Kernel) types.Hash {
	for i := range kernels {
		s.tree.Append(kernelLeaf(&kernels[i]))
		s.kernels = append(s.kernels, kernels[i])
	}
	return s.tree.Root()
}

// Commit seals the staged appends under the given height.
func (s *KernelSet) Commit(height uint64) error {
	return s.tree.Commit(height)
}

// Rollback discards staged appends.
func (s *KernelSet) Rollback() {
	s.tree.Rollback()
	s.kernels = s.kernels[:s.tree.Size()]
}

// RewindTo truncates the set back to its committed state at height.
func (s *KernelSet) RewindTo(height uint64) error {
	if err := s.tree.RewindTo(height); err != nil {
		return err
	}
	s.kernels = s.kernels[:s.tree.Size()]
	return nil
}

// Root returns the current kernel set root, staged appends included.
func (s *KernelSet) Root() types.Hash {
	return s.tree.Root()
}

// Size returns the total kernel count.
func (s *KernelSet) Size() uint64 {
	return s.tree.Size()
}

// Flush persists the committed set atomically.
func (s *KernelSet) Flush(db storage.DB) error {
	treeData, err := s.tree.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize kernel arena: %w", err)
	}

	batch := newBatch(db)
	if err := batch.Put(keyKernelTree, treeData); err != nil {
		return err
	}
	for pos := range s.kernels {
		data, err := json.Marshal(&s.kernels[pos])
		if err != nil {
			return fmt.Errorf("serialize kernel %d: %w", pos, err)
		}
		if err := batch.Put(entryKey(prefixKernelEnt, uint64(pos)), data); err != nil {
			return err
		}
	}
	if err := dropStaleEntries(db, batch, prefixKernelEnt, uint64(len(s.kernels))); err != nil {
		return err
	}
	return batch.Commit()
}

// Load restores a flushed kernel set. A missing tree key yields an empty set.
func (s *KernelSet) Load(db storage.DB) error {
	treeData, err := db.Get(keyKernelTree)
	if errors.Is(err, storage.ErrNotFound) {
		*s = *NewKernelSet()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load kernel arena: %w", err)
	}

	tree := mmr.New()
	if err := tree.UnmarshalBinary(treeData); err != nil {
		return fmt.Errorf("decode kernel arena: %w", err)
	}

	kernels := make([]tx.Kernel, tree.Size())
	err = db.ForEach(prefixKernelEnt, func(key, value []byte) error {
		pos, err := entryPos(prefixKernelEnt, key)
		if err != nil {
			return err
		}
		if pos >= tree.Size() {
			return fmt.Errorf("kernel entry %d beyond arena size %d", pos, tree.Size())
		}
		return json.Unmarshal(value, &kernels[pos])
	})
	if err != nil {
		return fmt.Errorf("load kernel entries: %w", err)
	}

	s.tree = tree
	s.kernels = kernels
	return nil
}
