// Package mmr implements an append-only merkle leaf arena with spent
// tombstones and per-height checkpoints. The output and kernel sets are
// built on it: appends add leaves, spends tombstone them in place, and the
// checkpoint journal makes any past height recoverable by rewind.
package mmr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Arena errors.
var (
	ErrOutOfRange    = errors.New("leaf position out of range")
	ErrAlreadySpent  = errors.New("leaf already spent")
	ErrNotSpent      = errors.New("leaf not spent")
	ErrUnknownHeight = errors.New("no checkpoint at height")
)

// leaf is a single arena entry. Spent leaves stay in place so positions
// remain stable; the tombstone changes their contribution to the root.
type leaf struct {
	hash  types.Hash
	spent bool
}

// checkpoint records the arena shape as of one applied block.
type checkpoint struct {
	height uint64
	size   uint64   // Leaf count after the block.
	spent  []uint64 // Positions tombstoned by the block.
}

// Tree is a checkpointed leaf arena. All mutations between Commit calls are
// staged: Rollback discards them without touching committed state. Not safe
// for concurrent use; the chain serializes writers.
type Tree struct {
	leaves      []leaf
	checkpoints []checkpoint

	// Staged, uncommitted mutations.
	stagedAppends uint64
	stagedSpends  []uint64
}

// New creates an empty arena.
func New() *Tree {
	return &Tree{}
}

// Size returns the total leaf count including staged appends.
func (t *Tree) Size() uint64 {
	return uint64(len(t.leaves))
}

// Append adds a leaf and returns its position.
func (t *Tree) Append(hash types.Hash) uint64 {
	pos := uint64(len(t.leaves))
	t.leaves = append(t.leaves, leaf{hash: hash})
	t.stagedAppends++
	return pos
}

// Spend tombstones the leaf at pos.
func (t *Tree) Spend(pos uint64) error {
	if pos >= uint64(len(t.leaves)) {
		return fmt.Errorf("%w: %d (size %d)", ErrOutOfRange, pos, len(t.leaves))
	}
	if t.leaves[pos].spent {
		return fmt.Errorf("%w: position %d", ErrAlreadySpent, pos)
	}
	t.leaves[pos].spent = true
	t.stagedSpends = append(t.stagedSpends, pos)
	return nil
}

// Unspend clears a staged tombstone at pos. Only spends staged since the
// last Commit can be cleared; committed spends are undone by RewindTo.
func (t *Tree) Unspend(pos uint64) error {
	if pos >= uint64(len(t.leaves)) {
		return fmt.Errorf("%w: %d (size %d)", ErrOutOfRange, pos, len(t.leaves))
	}
	if !t.leaves[pos].spent {
		return fmt.Errorf("%w: position %d", ErrNotSpent, pos)
	}
	for i, staged := range t.stagedSpends {
		if staged == pos {
			t.leaves[pos].spent = false
			t.stagedSpends = append(t.stagedSpends[:i], t.stagedSpends[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("spend at position %d is already committed", pos)
}

// Hash returns the leaf hash at pos and whether it is spent.
func (t *Tree) Hash(pos uint64) (types.Hash, bool, error) {
	if pos >= uint64(len(t.leaves)) {
		return types.Hash{}, false, fmt.Errorf("%w: %d (size %d)", ErrOutOfRange, pos, len(t.leaves))
	}
	return t.leaves[pos].hash, t.leaves[pos].spent, nil
}

// Commit seals all staged mutations into a checkpoint for the given height.
// Heights must be strictly ascending.
func (t *Tree) Commit(height uint64) error {
	if n := len(t.checkpoints); n > 0 && height <= t.checkpoints[n-1].height {
		return fmt.Errorf("checkpoint height %d not above last %d", height, t.checkpoints[n-1].height)
	}
	spent := make([]uint64, len(t.stagedSpends))
	copy(spent, t.stagedSpends)
	t.checkpoints = append(t.checkpoints, checkpoint{
		height: height,
		size:   uint64(len(t.leaves)),
		spent:  spent,
	})
	t.stagedAppends = 0
	t.stagedSpends = t.stagedSpends[:0]
	return nil
}

// Rollback discards all staged mutations: staged appends are truncated and
// staged spends un-tombstoned. Committed state is untouched.
func (t *Tree) Rollback() {
	t.leaves = t.leaves[:uint64(len(t.leaves))-t.stagedAppends]
	for _, pos := range t.stagedSpends {
		if pos < uint64(len(t.leaves)) {
			t.leaves[pos].spent = false
		}
	}
	t.stagedAppends = 0
	t.stagedSpends = t.stagedSpends[:0]
}

// RewindTo rolls the arena back to its state as of the checkpoint at height.
// Checkpoints above it are popped: their appends truncated, their spends
// restored. Staged mutations are discarded first. Height 0 with no matching
// checkpoint rewinds to the empty arena.
func (t *Tree) RewindTo(height uint64) error {
	t.Rollback()

	// Find the newest checkpoint at or below the target height. Rewinding
	// to a height with no recorded block lands on the closest one below it.
	keep := -1
	for i, cp := range t.checkpoints {
		if cp.height <= height {
			keep = i
		} else {
			break
		}
	}

	// Pop everything above, newest first, restoring spends.
	for i := len(t.checkpoints) - 1; i > keep; i-- {
		cp := t.checkpoints[i]
		for _, pos := range cp.spent {
			if pos < uint64(len(t.leaves)) {
				t.leaves[pos].spent = false
			}
		}
		t.checkpoints = t.checkpoints[:i]
	}

	size := uint64(0)
	if keep >= 0 {
		size = t.checkpoints[keep].size
	}
	t.leaves = t.leaves[:size]
	return nil
}

// Root computes the merkle root over all leaves, staged included. Spent
// leaves contribute a tombstone digest so spending changes the root without
// shifting positions. The root of an empty arena is the zero hash.
func (t *Tree) Root() types.Hash {
	if len(t.leaves) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(t.leaves))
	for i, l := range t.leaves {
		level[i] = leafDigest(l)
	}

	// Pairwise fold, duplicating the last digest on odd levels.
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, crypto.HashConcat(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func leafDigest(l leaf) types.Hash {
	var buf [types.HashSize + 1]byte
	copy(buf[:], l.hash[:])
	if l.spent {
		buf[types.HashSize] = 1
	}
	return crypto.Hash(buf[:])
}

// =============================================================================
// Serialization (for Flush/Load through storage.DB)
// =============================================================================

// MarshalBinary encodes the committed arena: leaves with spent flags and
// the checkpoint journal. Staged mutations must be committed or rolled back
// before flushing.
func (t *Tree) MarshalBinary() ([]byte, error) {
	if t.stagedAppends != 0 || len(t.stagedSpends) != 0 {
		return nil, errors.New("cannot serialize with staged mutations")
	}

	buf := make([]byte, 0, 8+len(t.leaves)*(types.HashSize+1))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(t.leaves)))
	for _, l := range t.leaves {
		buf = append(buf, l.hash[:]...)
		if l.spent {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(t.checkpoints)))
	for _, cp := range t.checkpoints {
		buf = binary.LittleEndian.AppendUint64(buf, cp.height)
		buf = binary.LittleEndian.AppendUint64(buf, cp.size)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(cp.spent)))
		for _, pos := range cp.spent {
			buf = binary.LittleEndian.AppendUint64(buf, pos)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes an arena serialized by MarshalBinary.
func (t *Tree) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}

	n, err := r.uint64()
	if err != nil {
		return err
	}
	leaves := make([]leaf, 0, n)
	for i := uint64(0); i < n; i++ {
		var l leaf
		h, err := r.bytes(types.HashSize)
		if err != nil {
			return err
		}
		copy(l.hash[:], h)
		flag, err := r.bytes(1)
		if err != nil {
			return err
		}
		l.spent = flag[0] == 1
		leaves = append(leaves, l)
	}

	cn, err := r.uint64()
	if err != nil {
		return err
	}
	checkpoints := make([]checkpoint, 0, cn)
	for i := uint64(0); i < cn; i++ {
		var cp checkpoint
		if cp.height, err = r.uint64(); err != nil {
			return err
		}
		if cp.size, err = r.uint64(); err != nil {
			return err
		}
		sn, err := r.uint64()
		if err != nil {
			return err
		}
		cp.spent = make([]uint64, 0, sn)
		for j := uint64(0); j < sn; j++ {
			pos, err := r.uint64()
			if err != nil {
				return err
			}
			cp.spent = append(cp.spent, pos)
		}
		checkpoints = append(checkpoints, cp)
	}

	t.leaves = leaves
	t.checkpoints = checkpoints
	t.stagedAppends = 0
	t.stagedSpends = nil
	return nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, errors.New("truncated arena data")
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
