package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veiltide/veiltide-chain/internal/storage"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	keyTip       = []byte("s/tip")
)

// BlockStore persists blocks and the active tip to a storage.DB. Blocks are
// keyed by hash; the height index covers the active chain only, so side
// branch blocks are reachable by hash until a reorg promotes them.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block by its hash only, without touching the height
// index. Use this for side branch blocks that are not (yet) active.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes it by hash and height.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := bs.db.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	return nil
}

// CommitBlock atomically stores a block, its height index entry, and the
// new tip. Falls back to sequential writes when the backend has no batches.
func (bs *BlockStore) CommitBlock(blk *block.Block, tip Tip) error {
	batcher, ok := bs.db.(storage.Batcher)
	if !ok {
		if err := bs.PutBlock(blk); err != nil {
			return err
		}
		return bs.SetTip(tip)
	}

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	tipData, err := json.Marshal(tip)
	if err != nil {
		return fmt.Errorf("tip marshal: %w", err)
	}

	hash := blk.Hash()
	batch := batcher.NewBatch()
	if err := batch.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := batch.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	if err := batch.Put(keyTip, tipData); err != nil {
		return fmt.Errorf("tip put: %w", err)
	}
	return batch.Commit()
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", hash, err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves the active chain block at the given height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index %d: %w", height, err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// DeleteHeightIndex removes the height index entry at the given height.
// Called after a reorg to a shorter branch so stale heights stop resolving.
func (bs *BlockStore) DeleteHeightIndex(height uint64) error {
	return bs.db.Delete(heightKey(height))
}

// SetTip persists the active tip.
func (bs *BlockStore) SetTip(tip Tip) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return fmt.Errorf("tip marshal: %w", err)
	}
	return bs.db.Put(keyTip, data)
}

// GetTip returns the active tip and whether one has been set.
func (bs *BlockStore) GetTip() (Tip, bool, error) {
	data, err := bs.db.Get(keyTip)
	if errors.Is(err, storage.ErrNotFound) {
		return Tip{}, false, nil
	}
	if err != nil {
		return Tip{}, false, fmt.Errorf("get tip: %w", err)
	}
	var tip Tip
	if err := json.Unmarshal(data, &tip); err != nil {
		return Tip{}, false, fmt.Errorf("tip unmarshal: %w", err)
	}
	return tip, true, nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}
