package block

import (
	"encoding/binary"

	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/tx"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// Header contains block metadata. OutputRoot and KernelRoot commit to the
// full output and kernel sets as of this block; TotalOffset is the
// chain-cumulative kernel offset, so a block's own offset is the difference
// from its parent's TotalOffset.
type Header struct {
	Version         uint32     `json:"version"`
	PrevHash        types.Hash `json:"prev_hash"`
	Height          uint64     `json:"height"`
	Timestamp       uint64     `json:"timestamp"`
	OutputRoot      types.Hash `json:"output_root"`
	KernelRoot      types.Hash `json:"kernel_root"`
	TotalOffset     tx.Offset  `json:"total_offset"`
	Difficulty      uint64     `json:"difficulty"`
	TotalDifficulty uint64     `json:"total_difficulty"`
	Nonce           uint64     `json:"nonce"`
}

// Hash computes the block header hash over the canonical byte form.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing and proof-of-work.
// Format: version(4) | prev_hash(32) | height(8) | timestamp(8) |
// output_root(32) | kernel_root(32) | total_offset(32) | difficulty(8) |
// total_difficulty(8) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 172)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.OutputRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	buf = append(buf, h.TotalOffset[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.TotalDifficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// Offset returns this block's own kernel offset given the parent's
// cumulative offset.
func (h *Header) Offset(prevTotal tx.Offset) tx.Offset {
	return h.TotalOffset.Sub(prevTotal)
}
