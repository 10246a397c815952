// Package node assembles a full Veiltide node — storage, chain, mempool,
// p2p, RPC, and the optional miner — behind a single lifecycle so it can
// be embedded in any binary.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/chain"
	"github.com/veiltide/veiltide-chain/internal/keychain"
	klog "github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/internal/mempool"
	"github.com/veiltide/veiltide-chain/internal/metrics"
	"github.com/veiltide/veiltide-chain/internal/miner"
	"github.com/veiltide/veiltide-chain/internal/p2p"
	"github.com/veiltide/veiltide-chain/internal/rpc"
	"github.com/veiltide/veiltide-chain/internal/storage"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/tx"
)

// syncBatch is how many blocks one sync request asks for. Matches the
// responder-side cap in the p2p sync protocol.
const syncBatch = 500

// Status is a point-in-time snapshot of the node.
type Status struct {
	Height          uint64 `json:"height"`
	TipHash         string `json:"tip_hash"`
	TotalDifficulty uint64 `json:"total_difficulty"`
	SyncState       string `json:"sync_state"`
	Peers           int    `json:"peers"`
}

// Node is a fully-initialized Veiltide node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db   storage.DB
	ch   *chain.Chain
	pool *mempool.Pool
	kc   *keychain.Keychain

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	tipCh   chan tipEvent
	syncing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// tipEvent carries a tip change out of the chain's critical section. The
// tip handler runs under the chain mutex, so everything that calls back
// into the chain (pool reconciliation) happens on the worker goroutine.
type tipEvent struct {
	tip chain.Tip
	blk *block.Block
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, chain, mempool, P2P, RPC) but does NOT start
// background goroutines (mining, sync). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "veiltide.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("block_time", genesis.Protocol.Consensus.BlockTime).
		Uint64("initial_difficulty", genesis.Protocol.Consensus.InitialDifficulty).
		Msg("Starting Veiltide node")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 4. Chain ────────────────────────────────────────────────────
	ch, err := chain.New(genesis, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	if err := ch.Bootstrap(); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap chain: %w", err)
	}
	tip := ch.Tip()
	if tip.Height == 0 {
		logger.Info().Str("genesis", ch.GenesisHash().String()[:16]+"...").Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", tip.Height).
			Str("tip", tip.Hash.String()[:16]+"...").
			Msg("Chain resumed from database")
	}
	// ── 5. Mempool ──────────────────────────────────────────────────
	pool := mempool.New(ch, cfg.Mempool.MaxWeight)
	pool.SetMinFeeRate(float64(cfg.Mempool.MinFeeRate))
	logger.Info().
		Uint64("max_weight", pool.MaxWeight()).
		Uint64("min_fee_rate", cfg.Mempool.MinFeeRate).
		Msg("Mempool ready")

	// set after Node is constructed; used by handler closures
	var nodeRef *Node

	// Every tip change — extension or reorg — is queued for the tip
	// worker, which reconciles the pool and announces the tip to peers.
	// The handler itself runs under the chain mutex and must not call
	// back into the chain.
	tipCh := make(chan tipEvent, 64)
	ch.SetTipHandler(func(t chain.Tip, blk *block.Block) {
		select {
		case tipCh <- tipEvent{tip: t, blk: blk}:
		default:
			// Worker is behind; the next event carries a fresher tip and
			// the pool self-corrects on it.
		}
	})

	// ── 6. Keychain ─────────────────────────────────────────────────
	var kc *keychain.Keychain
	if cfg.Keychain.Enabled {
		kc, err = openKeychain(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open keychain: %w", err)
		}
	}
	if cfg.Mining.Enabled && kc == nil {
		logger.Warn().Msg("Mining without a keychain: block rewards will use throwaway blinds and be unspendable")
	}

	// ── 7. P2P ──────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	var syncer *p2p.Syncer
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		p2pNode.SetGenesisHash(ch.GenesisHash())
		p2pNode.SetStatusFn(func() (uint64, uint64) {
			t := ch.Tip()
			return t.Height, t.TotalDifficulty
		})

		// Block handler. Orphans trigger an ancestor fetch instead of a
		// penalty: the sender may simply be ahead of us.
		p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
			var blk block.Block
			if err := json.Unmarshal(data, &blk); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal block")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
				return
			}
			if err := ch.ProcessBlock(&blk); err != nil {
				switch {
				case errors.Is(err, chain.ErrBlockKnown):
				case errors.Is(err, chain.ErrOrphan):
					if nodeRef != nil {
						go nodeRef.syncOnce()
					}
				default:
					p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
					logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Rejected block")
				}
				return
			}
			logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("kernels", len(blk.Body.Kernels)).
				Msg("Block received and applied")
		})

		// Tx handler.
		p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
			var t tx.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
				return
			}
			fee, err := pool.Add(&t)
			if err != nil {
				// Duplicates and fee-rate conflicts are normal gossip
				// behavior, not offenses.
				if !errors.Is(err, mempool.ErrAlreadyExists) && !errors.Is(err, mempool.ErrConflict) {
					metrics.TxRejected.Inc()
					p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
				}
				logger.Debug().Err(err).Msg("Rejected transaction")
				return
			}
			metrics.TxAccepted.Inc()
			metrics.MempoolTxs.Set(float64(pool.Count()))
			metrics.MempoolWeight.Set(float64(pool.TotalWeight()))
			logger.Info().
				Str("tx", t.Hash().String()[:16]+"...").
				Uint64("fee", fee).
				Msg("Transaction added to mempool")
		})

		if err := p2pNode.Start(); err != nil {
			db.Close()
			return nil, fmt.Errorf("start P2P: %w", err)
		}

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		// Tip announcement topic. A heavier announced tip triggers a sync.
		if err := p2pNode.JoinTipTopic(); err != nil {
			logger.Warn().Err(err).Msg("Failed to join tip topic")
		} else {
			p2pNode.SetTipHandler(func(from peer.ID, ts *p2p.TipStatus) {
				if ts.TotalDifficulty > ch.Tip().TotalDifficulty && nodeRef != nil {
					go nodeRef.syncOnce()
				}
			})
		}

		// Sync protocol.
		syncer = p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
			var blocks []*block.Block
			for h := fromHeight; h < fromHeight+uint64(max); h++ {
				blk, err := ch.GetBlockByHeight(h)
				if err != nil {
					break
				}
				blocks = append(blocks, blk)
			}
			return blocks
		})
		syncer.RegisterHeightHandler(func() (uint64, string, uint64) {
			t := ch.Tip()
			return t.Height, t.Hash.String(), t.TotalDifficulty
		})
		logger.Info().Msg("Chain sync protocol registered")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 8. RPC server ───────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, ch, pool, p2pNode, genesis, cfg.RPC)
		if err := rpcServer.Start(); err != nil {
			if p2pNode != nil {
				p2pNode.Stop()
			}
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		if p2pNode != nil {
			rpcServer.SetBanManager(p2pNode.BanManager)
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:       cfg,
		genesis:   genesis,
		logger:    logger,
		db:        db,
		ch:        ch,
		pool:      pool,
		kc:        kc,
		p2pNode:   p2pNode,
		syncer:    syncer,
		rpcServer: rpcServer,
		tipCh:     tipCh,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Wire the closures that needed the constructed Node.
	nodeRef = n
	if rpcServer != nil {
		rpcServer.SetSyncStateFn(n.SyncState)
	}

	return n, nil
}

// Start launches background goroutines: startup sync, sync loop, tip
// announcements, and the miner.
func (n *Node) Start() error {
	blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second

	// Tip worker.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runTipWorker()
	}()

	// Sync.
	if n.p2pNode != nil && n.syncer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	// Mining.
	if n.cfg.Mining.Enabled {
		n.ch.Engine().Threads = n.cfg.Mining.Threads

		var blind miner.BlindSource
		if n.kc != nil {
			blind = func() (*crypto.SecretKey, error) {
				key, _, err := n.kc.NextBlind()
				return key, err
			}
		}
		m := miner.New(n.ch, n.ch.Engine(), n.pool, n.ch.Rules(), blind)

		n.logger.Info().
			Int("threads", n.cfg.Mining.Threads).
			Uint64("reward", n.genesis.Protocol.Consensus.BlockSubsidy(n.ch.Height()+1)).
			Dur("block_time", blockTime).
			Msg("Block production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			// Give the initial sync a head start so we don't burn work on
			// a tip the network has already left behind.
			if n.p2pNode != nil {
				select {
				case <-n.ctx.Done():
					return
				case <-time.After(3 * blockTime):
				}
			}
			n.runMiner(m)
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.Tip().Hash.String()[:16]+"...").
		Bool("mining", n.cfg.Mining.Enabled).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// SyncState reports "syncing" while a block download is in flight and
// "synced" otherwise.
func (n *Node) SyncState() string {
	if n.syncing.Load() {
		return "syncing"
	}
	return "synced"
}

// Status returns a snapshot of the node's chain and network state.
func (n *Node) Status() Status {
	tip := n.ch.Tip()
	peers := 0
	if n.p2pNode != nil {
		peers = n.p2pNode.PeerCount()
	}
	return Status{
		Height:          tip.Height,
		TipHash:         tip.Hash.String(),
		TotalDifficulty: tip.TotalDifficulty,
		SyncState:       n.SyncState(),
		Peers:           peers,
	}
}

// runTipWorker drains tip events: it reconciles the mempool against each
// newly confirmed block and announces the tip to peers.
func (n *Node) runTipWorker() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.tipCh:
			if ev.blk != nil {
				n.pool.Reconcile(ev.blk)
			}
			metrics.MempoolTxs.Set(float64(n.pool.Count()))
			metrics.MempoolWeight.Set(float64(n.pool.TotalWeight()))
			n.announceTip(ev.tip)
		}
	}
}

// announceTip publishes the tip to the gossip tip topic. Fire-and-forget.
func (n *Node) announceTip(t chain.Tip) {
	if n.p2pNode == nil {
		return
	}
	ts := &p2p.TipStatus{
		Height:          t.Height,
		TotalDifficulty: t.TotalDifficulty,
		TipHash:         t.Hash,
		Timestamp:       time.Now().Unix(),
	}
	if err := n.p2pNode.BroadcastTip(ts); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to announce tip")
	}
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	// Initial sync as soon as we have peers.
	n.syncOnce()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			metrics.PeersConnected.Set(float64(n.p2pNode.PeerCount()))
			if n.p2pNode.PeerCount() == 0 {
				continue
			}
			n.syncOnce()
		}
	}
}

// syncOnce probes a few peers for their tip and downloads the heaviest
// chain if it beats ours. Only one sync runs at a time.
func (n *Node) syncOnce() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	if !n.syncing.CompareAndSwap(false, true) {
		return
	}
	defer n.syncing.Store(false)

	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		return
	}

	// Probe up to three peers; the best chain is the one with the most
	// cumulative work, not the most blocks.
	var bestPeer peer.ID
	var bestHeight, bestTD uint64
	var bestTipHash string
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.TotalDifficulty > bestTD {
			bestTD = resp.TotalDifficulty
			bestHeight = resp.Height
			bestTipHash = resp.TipHash
			bestPeer = p.ID
		}
	}

	localTip := n.ch.Tip()
	if bestTD <= localTip.TotalDifficulty {
		return
	}
	if bestTipHash == localTip.Hash.String() {
		return
	}

	n.logger.Info().
		Uint64("local_height", localTip.Height).
		Uint64("remote_height", bestHeight).
		Uint64("local_difficulty", localTip.TotalDifficulty).
		Uint64("remote_difficulty", bestTD).
		Msg("Syncing chain")

	start := localTip.Height + 1
	if bestHeight < start {
		// The heavier chain is shorter than ours: it forked below our
		// tip. Restart from the common ancestor.
		start = n.findAncestor(bestPeer, bestHeight) + 1
	}
	n.downloadBlocks(bestPeer, start, bestHeight)
}

// downloadBlocks fetches [from, to] in batches and feeds them to the chain.
// Fork-point blocks land as side branches until their total difficulty
// wins, at which point ProcessBlock reorgs.
func (n *Node) downloadBlocks(peerID peer.ID, from, to uint64) {
	syncStart := time.Now()
	startHeight := n.ch.Height()

	for batch := from; batch <= to; batch += syncBatch {
		max := uint32(syncBatch)
		if batch+uint64(max)-1 > to {
			max = uint32(to - batch + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, peerID, batch, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", batch).Msg("Sync request failed")
			return
		}
		if len(blocks) == 0 {
			return
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				if errors.Is(err, chain.ErrOrphan) {
					// Peer's branch starts below this batch: walk back to
					// the common ancestor and retry from there.
					anc := n.findAncestor(peerID, blk.Header.Height-1)
					n.logger.Info().
						Uint64("ancestor", anc).
						Msg("Fork detected during sync, restarting from ancestor")
					n.downloadBlocks(peerID, anc+1, to)
					return
				}
				n.p2pNode.BanManager.RecordOffense(peerID, p2p.PenaltyInvalidBlock, err.Error())
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
		}

		synced := n.ch.Height() - startHeight
		elapsed := time.Since(syncStart).Seconds()
		bps := 0.0
		if elapsed > 0 {
			bps = float64(synced) / elapsed
		}
		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", to).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Msg("Syncing")
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// findAncestor walks down from the given height comparing the peer's block
// hashes against ours, returning the highest height where they agree.
// Height 0 (genesis) always agrees — the handshake guarantees it.
func (n *Node) findAncestor(peerID peer.ID, from uint64) uint64 {
	if from > n.ch.Height() {
		from = n.ch.Height()
	}
	for h := from; h > 0; h-- {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		peerBlocks, err := n.syncer.RequestBlocks(reqCtx, peerID, h, 1)
		cancel()
		if err != nil || len(peerBlocks) == 0 {
			continue
		}
		local, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			continue
		}
		if peerBlocks[0].Hash() == local.Hash() {
			return h
		}
	}
	return 0
}

// ── Mining ──────────────────────────────────────────────────────────

// runMiner seals blocks back to back. Each iteration reads the tip fresh,
// so a block that arrives via gossip mid-seal only costs the wasted
// attempt: the stale candidate lands as a lighter side branch and loses.
func (n *Node) runMiner(m *miner.Miner) {
	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		default:
		}

		if n.syncing.Load() {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		blk, err := m.ProduceBlockCtx(n.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			n.logger.Error().Err(err).Msg("Failed to produce block")
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			// Usually a race: a gossiped block extended the tip while we
			// were sealing.
			n.logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Own block not applied")
			continue
		}

		if n.p2pNode != nil {
			if err := n.p2pNode.BroadcastBlock(blk); err != nil {
				n.logger.Error().Err(err).Msg("Failed to broadcast block")
			} else {
				metrics.BlocksGossiped.Inc()
			}
		}

		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("kernels", len(blk.Body.Kernels)).
			Uint64("reward", n.genesis.Protocol.Consensus.BlockSubsidy(blk.Header.Height)).
			Msg("Block produced")
	}
}
