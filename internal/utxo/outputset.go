// Package utxo maintains the authenticated output and kernel sets. Both are
// built on the mmr leaf arena: the output set tombstones spent leaves in
// place, the kernel set only ever appends. Roots are bit-exact inputs to
// header validation.
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

// Set errors.
var (
	ErrMissingOutput       = errors.New("input references no live output")
	ErrAlreadySpent        = errors.New("output already spent")
	ErrDuplicateCommitment = errors.New("duplicate output commitment")
	ErrImmatureCoinbase    = errors.New("coinbase output not yet mature")
)

// Storage keys for Flush/Load.
var (
	keyOutputTree   = []byte("os/tree")
	prefixOutputEnt = []byte("os/e/")
)

// OutputSet is the set of all outputs ever created, live ones indexed by
// commitment. Mutations are staged until Commit; Rollback discards the
// staging view. Not safe for concurrent use; the chain serializes writers.
type OutputSet struct {
	tree    *mmr.Tree
	entries []tx.Output                 // Arena-aligned, one per leaf position.
	index   map[types.Commitment]uint64 // Live commitment -> position.
}

// NewOutputSet creates an empty output set.
func NewOutputSet() *OutputSet {
	return &OutputSet{
		tree:  mmr.New(),
		index: make(map[types.Commitment]uint64),
	}
}

// outputLeaf hashes an output into its arena leaf.
// Format: features(1) | commitment(33) | value(8) | lock_height(8) | proof
func outputLeaf(o *tx.Output) types.Hash {
	buf := make([]byte, 0, 50+len(o.Proof))
	buf = append(buf, byte(o.Features))
	buf = append(buf, o.Commitment[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, o.Value)
	buf = binary.LittleEndian.AppendUint64(buf, o.LockHeight)
	buf = append(buf, o.Proof...)
	return crypto.Hash(buf)
}

// ApplyBlockOutputs appends a block's outputs in the order given (the chain
// passes them canonically sorted) and returns the resulting root. A
// commitment that is already live fails the whole call; the staging view is
// rolled back by the caller on any block failure.
func (s *OutputSet) ApplyBlockOutputs(outputs []tx.Output) (types.Hash, error) {
	for i := range outputs {
		o := &outputs[i]
		if _, live := s.index[o.Commitment]; live {
			return types.Hash{}, fmt.Errorf("%w: %s", ErrDuplicateCommitment, o.Commitment)
		}
		pos := s.tree.Append(outputLeaf(o))
		s.entries = append(s.entries, *o)
		s.index[o.Commitment] = pos
	}
	return s.tree.Root(), nil
}

// ApplyBlockInputs tombstones the outputs referenced by a block's inputs.
// The call is atomic: on any missing or spent reference, spends applied so
// far in this call are reverted before the error is returned.
func (s *OutputSet) ApplyBlockInputs(inputs []tx.Input) error {
	type applied struct {
		commitment types.Commitment
		pos        uint64
	}
	var done []applied

	revert := func() {
		for i := len(done) - 1; i >= 0; i-- {
			s.tree.Unspend(done[i].pos)
			s.index[done[i].commitment] = done[i].pos
		}
	}

	for _, in := range inputs {
		pos, live := s.index[in.Commitment]
		if !live {
			revert()
			if s.wasEverCreated(in.Commitment) {
				return fmt.Errorf("%w: %s", ErrAlreadySpent, in.Commitment)
			}
			return fmt.Errorf("%w: %s", ErrMissingOutput, in.Commitment)
		}
		if err := s.tree.Spend(pos); err != nil {
			revert()
			return err
		}
		delete(s.index, in.Commitment)
		done = append(done, applied{commitment: in.Commitment, pos: pos})
	}
	return nil
}

// wasEverCreated reports whether the commitment exists anywhere in the
// arena, spent or not. Distinguishes AlreadySpent from MissingOutput.
func (s *OutputSet) wasEverCreated(c types.Commitment) bool {
	for i := range s.entries {
		if s.entries[i].Commitment == c {
			return true
		}
	}
	return false
}

// Commit seals the staged block mutations under the given height.
func (s *OutputSet) Commit(height uint64) error {
	return s.tree.Commit(height)
}

// Rollback discards all staged mutations and restores the live index.
func (s *OutputSet) Rollback() {
	s.tree.Rollback()
	s.entries = s.entries[:s.tree.Size()]
	s.rebuildIndex()
}

// RewindTo restores the set to its committed state at the given height:
// appends above it are truncated and tombstones placed by later blocks are
// restored as live outputs.
func (s *OutputSet) RewindTo(height uint64) error {
	if err := s.tree.RewindTo(height); err != nil {
		return err
	}
	s.entries = s.entries[:s.tree.Size()]
	s.rebuildIndex()
	return nil
}

func (s *OutputSet) rebuildIndex() {
	s.index = make(map[types.Commitment]uint64, len(s.entries))
	for pos := range s.entries {
		if _, spent, err := s.tree.Hash(uint64(pos)); err == nil && !spent {
			s.index[s.entries[pos].Commitment] = uint64(pos)
		}
	}
}

// Root returns the current output set root, staged mutations included.
func (s *OutputSet) Root() types.Hash {
	return s.tree.Root()
}

// Get returns the live output for a commitment.
func (s *OutputSet) Get(c types.Commitment) (*tx.Output, error) {
	pos, live := s.index[c]
	if !live {
		return nil, fmt.Errorf("%w: %s", ErrMissingOutput, c)
	}
	o := s.entries[pos]
	return &o, nil
}

// IsLive reports whether a commitment is currently unspent.
func (s *OutputSet) IsLive(c types.Commitment) bool {
	_, live := s.index[c]
	return live
}

// CheckSpendable returns nil when the commitment is live and, for coinbase
// outputs, past its maturity lock at the given spend height.
func (s *OutputSet) CheckSpendable(c types.Commitment, spendHeight uint64) error {
	o, err := s.Get(c)
	if err != nil {
		return err
	}
	if o.LockHeight > 0 && spendHeight < o.LockHeight {
		if o.Features == tx.OutputCoinbase {
			return fmt.Errorf("%w: spendable at height %d", ErrImmatureCoinbase, o.LockHeight)
		}
		return fmt.Errorf("output locked until height %d", o.LockHeight)
	}
	return nil
}

// NumLive returns the count of unspent outputs.
func (s *OutputSet) NumLive() int {
	return len(s.index)
}

// Size returns the total arena size including spent outputs.
func (s *OutputSet) Size() uint64 {
	return s.tree.Size()
}

// Flush persists the committed set atomically. Stale entry keys beyond the
// current size are removed so Load sees exactly the flushed state.
func (s *OutputSet) Flush(db storage.DB) error {
	treeData, err := s.tree.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize output arena: %w", err)
	}

	batch := newBatch(db)
	if err := batch.Put(keyOutputTree, treeData); err != nil {
		return err
	}
	for pos := range s.entries {
		data, err := json.Marshal(&s.entries[pos])
		if err != nil {
			return fmt.Errorf("serialize output %d: %w", pos, err)
		}
		if err := batch.Put(entryKey(prefixOutputEnt, uint64(pos)), data); err != nil {
			return err
		}
	}
	if err := dropStaleEntries(db, batch, prefixOutputEnt, uint64(len(s.entries))); err != nil {
		return err
	}
	return batch.Commit()
}

// Load restores a flushed output set. A missing tree key yields an empty set.
func (s *OutputSet) Load(db storage.DB) error {
	treeData, err := db.Get(keyOutputTree)
	if errors.Is(err, storage.ErrNotFound) {
		*s = *NewOutputSet()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load output arena: %w", err)
	}

	tree := mmr.New()
	if err := tree.UnmarshalBinary(treeData); err != nil {
		return fmt.Errorf("decode output arena: %w", err)
	}

	entries := make([]tx.Output, tree.Size())
	err = db.ForEach(prefixOutputEnt, func(key, value []byte) error {
		pos, err := entryPos(prefixOutputEnt, key)
		if err != nil {
			return err
		}
		if pos >= tree.Size() {
			return fmt.Errorf("output entry %d beyond arena size %d", pos, tree.Size())
		}
		return json.Unmarshal(value, &entries[pos])
	})
	if err != nil {
		return fmt.Errorf("load output entries: %w", err)
	}

	s.tree = tree
	s.entries = entries
	s.rebuildIndex()
	return nil
}

// =============================================================================
// Shared storage helpers
// =============================================================================

func entryKey(prefix []byte, pos uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], pos)
	return key
}

func entryPos(prefix, key []byte) (uint64, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("malformed entry key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

// dropStaleEntries stages deletes for entry keys at or beyond size.
func dropStaleEntries(db storage.DB, batch storage.Batch, prefix []byte, size uint64) error {
	var stale [][]byte
	err := db.ForEach(prefix, func(key, _ []byte) error {
		pos, err := entryPos(prefix, key)
		if err != nil {
			return err
		}
		if pos >= size {
			k := make([]byte, len(key))
			copy(k, key)
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// newBatch returns an atomic batch when the DB supports one, falling back
// to direct writes otherwise.
func newBatch(db storage.DB) storage.Batch {
	if b, ok := db.(storage.Batcher); ok {
		return b.NewBatch()
	}
	return directBatch{db: db}
}

type directBatch struct {
	db storage.DB
}

func (d directBatch) Put(key, value []byte) error { return d.db.Put(key, value) }
func (d directBatch) Delete(key []byte) error     { return d.db.Delete(key) }
func (d directBatch) Commit() error               { return nil }
