package rpc

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veiltide/veiltide-chain/internal/metrics"
	"github.com/veiltide/veiltide-chain/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(req *Request) (interface{}, *Error) {
	tip := s.chain.Tip()
	result := &ChainInfoResult{
		ChainID:         s.genesis.ChainID,
		Symbol:          s.genesis.Symbol,
		Height:          tip.Height,
		TipHash:         tip.Hash.String(),
		TotalDifficulty: tip.TotalDifficulty,
		GenesisHash:     s.chain.GenesisHash().String(),
		OrphanCount:     s.chain.OrphanCount(),
	}
	if s.syncStateFn != nil {
		result.SyncState = s.syncStateFn()
	}
	return result, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	hash, decErr := types.HexToHash(params.Hash)
	if decErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	blk, err := s.chain.GetBlockByHeight(params.Height)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d: %v", params.Height, err)}
	}
	return NewBlockResult(blk), nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	fee, err := s.pool.Add(params.Transaction)
	if err != nil {
		metrics.TxRejected.Inc()
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("transaction rejected: %v", err)}
	}
	metrics.TxAccepted.Inc()

	// Gossip to peers. Best-effort: a local submit succeeds even if the
	// node has no peers yet.
	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(params.Transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast submitted transaction")
		}
	}

	return &TxSubmitResult{
		TxHash: params.Transaction.Hash().String(),
		Fee:    fee,
	}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	if err := params.Transaction.Validate(); err != nil {
		return &TxValidateResult{Valid: false, Error: err.Error()}, nil
	}
	fee, err := params.Transaction.Fee()
	if err != nil {
		return &TxValidateResult{Valid: false, Error: err.Error()}, nil
	}
	return &TxValidateResult{
		Valid: true,
		Fee:   fee,
	}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(req *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:       s.pool.Count(),
		TotalWeight: s.pool.TotalWeight(),
		MaxWeight:   s.pool.MaxWeight(),
		MinFeeRate:  s.pool.MinFeeRate(),
	}, nil
}

func (s *Server) handleMempoolGetContent(req *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	strs := make([]string, len(hashes))
	for i, h := range hashes {
		strs[i] = h.String()
	}
	return &MempoolContentResult{Hashes: strs}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(req *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			Source:      p.Source,
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return &PeerInfoResult{Count: len(infos), Peers: infos}, nil
}

func (s *Server) handleNetGetNodeInfo(req *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{Addrs: []string{}}, nil
	}
	return &NodeInfoResult{
		ID:        s.p2pNode.ID().String(),
		Addrs:     s.p2pNode.Addrs(),
		PeerCount: s.p2pNode.PeerCount(),
	}, nil
}

func (s *Server) handleNetGetBanList(req *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	bans := make([]BanEntry, len(records))
	for i, rec := range records {
		bans[i] = BanEntry{
			ID:        rec.ID,
			Reason:    rec.Reason,
			Score:     rec.Score,
			BannedAt:  rec.BannedAt,
			ExpiresAt: rec.ExpiresAt,
		}
	}
	return &BanListResult{Count: len(bans), Bans: bans}, nil
}

func (s *Server) handleNetBan(req *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return nil, &Error{Code: CodeInternalError, Message: "ban manager not enabled"}
	}

	var params PeerParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Peer == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer is required"}
	}

	id, err := peer.Decode(params.Peer)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid peer id: %v", err)}
	}

	reason := params.Reason
	if reason == "" {
		reason = "manual ban"
	}
	s.banManager.Ban(id, reason, 24*time.Hour)

	return &BanResult{Peer: params.Peer, Banned: true}, nil
}

func (s *Server) handleNetUnban(req *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return nil, &Error{Code: CodeInternalError, Message: "ban manager not enabled"}
	}

	var params PeerParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Peer == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer is required"}
	}

	id, err := peer.Decode(params.Peer)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid peer id: %v", err)}
	}

	s.banManager.Unban(id)

	return &BanResult{Peer: params.Peer, Banned: false}, nil
}
