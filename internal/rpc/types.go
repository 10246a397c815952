package rpc

import (
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/tx"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// TxSubmitParam is used by tx_submit and tx_validate.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// PeerParam is used by net_ban and net_unban.
type PeerParam struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason,omitempty"` // net_ban only.
}

// ── Block result types ──────────────────────────────────────────────────

// BlockResult wraps a block with its precomputed hash for RPC responses.
type BlockResult struct {
	Hash    string        `json:"hash"`
	Header  *block.Header `json:"header"`
	Inputs  []tx.Input    `json:"inputs"`
	Outputs []tx.Output   `json:"outputs"`
	Kernels []tx.Kernel   `json:"kernels"`
	Weight  uint64        `json:"weight"`
	Fee     uint64        `json:"fee"`
}

// NewBlockResult creates a BlockResult from a block, precomputing its hash.
func NewBlockResult(b *block.Block) *BlockResult {
	return &BlockResult{
		Hash:    b.Hash().String(),
		Header:  b.Header,
		Inputs:  b.Body.Inputs,
		Outputs: b.Body.Outputs,
		Kernels: b.Body.Kernels,
		Weight:  b.Body.Weight(),
		Fee:     b.Body.Fee(),
	}
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID         string `json:"chain_id"`
	Symbol          string `json:"symbol,omitempty"`
	Height          uint64 `json:"height"`
	TipHash         string `json:"tip_hash"`
	TotalDifficulty uint64 `json:"total_difficulty"`
	GenesisHash     string `json:"genesis_hash"`
	OrphanCount     int    `json:"orphan_count"`
	SyncState       string `json:"sync_state,omitempty"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
	Fee    uint64 `json:"fee"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool   `json:"valid"`
	Fee   uint64 `json:"fee,omitempty"`
	Error string `json:"error,omitempty"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count       int     `json:"count"`
	TotalWeight uint64  `json:"total_weight"`
	MaxWeight   uint64  `json:"max_weight"`
	MinFeeRate  float64 `json:"min_fee_rate"`
}

// MempoolContentResult is returned by mempool_getContent.
type MempoolContentResult struct {
	Hashes []string `json:"hashes"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	ConnectedAt string `json:"connected_at"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID        string   `json:"id"`
	Addrs     []string `json:"addrs"`
	PeerCount int      `json:"peer_count"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// BanResult is returned by net_ban and net_unban.
type BanResult struct {
	Peer   string `json:"peer"`
	Banned bool   `json:"banned"`
}
