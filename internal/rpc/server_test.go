package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/chain"
	klog "github.com/veiltide/veiltide-chain/internal/log"
	"github.com/veiltide/veiltide-chain/internal/mempool"
	"github.com/veiltide/veiltide-chain/internal/miner"
	"github.com/veiltide/veiltide-chain/internal/p2p"
	"github.com/veiltide/veiltide-chain/internal/storage"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
	"github.com/veiltide/veiltide-chain/pkg/tx"
)

// testEnv holds all components for an RPC test.
type testEnv struct {
	server  *Server
	chain   *chain.Chain
	pool    *mempool.Pool
	genesis *config.Genesis
	url     string
}

// testGenesis keeps difficulty at 1 so sealing is instant and every header
// hash passes proof of work.
func testGenesis() *config.Genesis {
	return &config.Genesis{
		ChainID:   "veiltide-test-rpc",
		ChainName: "RPC Test",
		Symbol:    "VLT",
		Timestamp: uint64(time.Now().Add(-time.Hour).Unix()),
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:         1,
				InitialDifficulty: 1,
				DifficultyWindow:  10,
				MaxTimeDrift:      3600,
				BaseReward:        50 * config.Coin,
			},
		},
	}
}

func setupTestEnv(t *testing.T, rpcCfg ...config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	gen := testGenesis()
	db := storage.NewMemory()

	ch, err := chain.New(gen, db)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	if err := ch.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	pool := mempool.New(ch, 0)

	srv := New("127.0.0.1:0", ch, pool, nil, gen, rpcCfg...)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:  srv,
		chain:   ch,
		pool:    pool,
		genesis: gen,
		url:     fmt.Sprintf("http://%s/", srv.Addr()),
	}
}

// mine produces and applies n empty blocks on the test chain.
func mine(t *testing.T, c *chain.Chain, n int) {
	t.Helper()
	m := miner.New(c, c.Engine(), nil, c.Rules(), nil)
	for i := 0; i < n; i++ {
		blk, err := m.ProduceBlock()
		if err != nil {
			t.Fatalf("ProduceBlock: %v", err)
		}
		if err := c.ProcessBlock(blk); err != nil {
			t.Fatalf("ProcessBlock: %v", err)
		}
	}
}

// buildTx makes a stateless-valid transaction spending a synthetic input.
func buildTx(t *testing.T, value, fee uint64) *tx.Transaction {
	t.Helper()
	inKey, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	outKey, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	transaction, err := tx.NewBuilder().
		SpendInput(value, inKey).
		AddOutput(value-fee, outKey).
		SetFee(fee).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return transaction
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

// decodeResult re-marshals a generic result into a typed one.
func decodeResult(t *testing.T, resp Response, target interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

// ── Chain endpoint tests ────────────────────────────────────────────────

func TestRPC_ChainGetInfo(t *testing.T) {
	env := setupTestEnv(t)

	var result ChainInfoResult
	decodeResult(t, rpcCall(t, env.url, "chain_getInfo", nil), &result)

	if result.ChainID != "veiltide-test-rpc" {
		t.Errorf("chain_id = %q, want %q", result.ChainID, "veiltide-test-rpc")
	}
	if result.Height != 0 {
		t.Errorf("height = %d, want 0", result.Height)
	}
	if result.TipHash == "" {
		t.Error("tip_hash is empty")
	}
	if result.GenesisHash != result.TipHash {
		t.Errorf("at height 0 genesis_hash %q should equal tip_hash %q",
			result.GenesisHash, result.TipHash)
	}
	if result.SyncState != "" {
		t.Errorf("sync_state = %q, want empty without a callback", result.SyncState)
	}
}

func TestRPC_ChainGetInfo_AfterMining(t *testing.T) {
	env := setupTestEnv(t)
	mine(t, env.chain, 3)

	var result ChainInfoResult
	decodeResult(t, rpcCall(t, env.url, "chain_getInfo", nil), &result)

	if result.Height != 3 {
		t.Errorf("height = %d, want 3", result.Height)
	}
	if result.TotalDifficulty == 0 {
		t.Error("total_difficulty should be non-zero after mining")
	}
	if result.TipHash == result.GenesisHash {
		t.Error("tip_hash should differ from genesis_hash after mining")
	}
}

func TestRPC_ChainGetInfo_SyncState(t *testing.T) {
	env := setupTestEnv(t)
	env.server.SetSyncStateFn(func() string { return "syncing" })

	var result ChainInfoResult
	decodeResult(t, rpcCall(t, env.url, "chain_getInfo", nil), &result)

	if result.SyncState != "syncing" {
		t.Errorf("sync_state = %q, want %q", result.SyncState, "syncing")
	}
}

func TestRPC_ChainGetBlockByHeight(t *testing.T) {
	env := setupTestEnv(t)

	var result BlockResult
	decodeResult(t, rpcCall(t, env.url, "chain_getBlockByHeight", HeightParam{Height: 0}), &result)

	if result.Hash == "" {
		t.Error("block hash is empty")
	}
	if result.Header == nil {
		t.Fatal("header is nil")
	}
	if result.Header.Height != 0 {
		t.Errorf("header height = %d, want 0", result.Header.Height)
	}
	if len(result.Kernels) == 0 {
		t.Error("genesis block should carry a coinbase kernel")
	}
}

func TestRPC_ChainGetBlockByHeight_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "chain_getBlockByHeight", HeightParam{Height: 999})
	if resp.Error == nil {
		t.Fatal("expected error for missing height")
	}
	if resp.Error.Code != CodeNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeNotFound)
	}
}

func TestRPC_ChainGetBlockByHash(t *testing.T) {
	env := setupTestEnv(t)
	genesisHash := env.chain.GenesisHash().String()

	var result BlockResult
	decodeResult(t, rpcCall(t, env.url, "chain_getBlockByHash", HashParam{Hash: genesisHash}), &result)

	if result.Hash != genesisHash {
		t.Errorf("hash = %q, want %q", result.Hash, genesisHash)
	}
}

func TestRPC_ChainGetBlockByHash_Invalid(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		hash string
		code int
	}{
		{"empty", "", CodeInvalidParams},
		{"not hex", "zzzz", CodeInvalidParams},
		{"wrong length", "abcdef", CodeInvalidParams},
		{"unknown", strings.Repeat("ab", 32), CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpcCall(t, env.url, "chain_getBlockByHash", HashParam{Hash: tt.hash})
			if resp.Error == nil {
				t.Fatal("expected error")
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %d, want %d", resp.Error.Code, tt.code)
			}
		})
	}
}

// ── Transaction endpoint tests ──────────────────────────────────────────

func TestRPC_TxValidate(t *testing.T) {
	env := setupTestEnv(t)
	transaction := buildTx(t, 1000, 10)

	var result TxValidateResult
	decodeResult(t, rpcCall(t, env.url, "tx_validate", TxSubmitParam{Transaction: transaction}), &result)

	if !result.Valid {
		t.Fatalf("valid = false, error: %s", result.Error)
	}
	if result.Fee != 10 {
		t.Errorf("fee = %d, want 10", result.Fee)
	}
}

func TestRPC_TxValidate_Invalid(t *testing.T) {
	env := setupTestEnv(t)

	// No kernels: fails stateless validation.
	var result TxValidateResult
	decodeResult(t, rpcCall(t, env.url, "tx_validate", TxSubmitParam{Transaction: &tx.Transaction{}}), &result)

	if result.Valid {
		t.Error("empty transaction should not validate")
	}
	if result.Error == "" {
		t.Error("expected a validation error message")
	}
}

func TestRPC_TxSubmit_RejectsUnknownInput(t *testing.T) {
	env := setupTestEnv(t)

	// Valid in isolation but spends an output the chain has never seen.
	transaction := buildTx(t, 1000, 10)

	resp := rpcCall(t, env.url, "tx_submit", TxSubmitParam{Transaction: transaction})
	if resp.Error == nil {
		t.Fatal("expected rejection for unknown input")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
	if env.pool.Count() != 0 {
		t.Errorf("pool count = %d, want 0", env.pool.Count())
	}
}

func TestRPC_TxSubmit_MissingTransaction(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "tx_submit", map[string]interface{}{})
	if resp.Error == nil {
		t.Fatal("expected error for missing transaction")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

// ── Mempool endpoint tests ──────────────────────────────────────────────

func TestRPC_MempoolGetInfo(t *testing.T) {
	env := setupTestEnv(t)
	env.pool.SetMinFeeRate(0.5)

	var result MempoolInfoResult
	decodeResult(t, rpcCall(t, env.url, "mempool_getInfo", nil), &result)

	if result.Count != 0 {
		t.Errorf("count = %d, want 0", result.Count)
	}
	if result.TotalWeight != 0 {
		t.Errorf("total_weight = %d, want 0", result.TotalWeight)
	}
	if result.MaxWeight == 0 {
		t.Error("max_weight should be non-zero")
	}
	if result.MinFeeRate != 0.5 {
		t.Errorf("min_fee_rate = %v, want 0.5", result.MinFeeRate)
	}
}

func TestRPC_MempoolGetContent_Empty(t *testing.T) {
	env := setupTestEnv(t)

	var result MempoolContentResult
	decodeResult(t, rpcCall(t, env.url, "mempool_getContent", nil), &result)

	if len(result.Hashes) != 0 {
		t.Errorf("hashes = %v, want empty", result.Hashes)
	}
}

// ── Network endpoint tests ──────────────────────────────────────────────

func TestRPC_NetEndpoints_NoP2P(t *testing.T) {
	env := setupTestEnv(t)

	var peers PeerInfoResult
	decodeResult(t, rpcCall(t, env.url, "net_getPeerInfo", nil), &peers)
	if peers.Count != 0 {
		t.Errorf("peer count = %d, want 0", peers.Count)
	}

	var info NodeInfoResult
	decodeResult(t, rpcCall(t, env.url, "net_getNodeInfo", nil), &info)
	if info.ID != "" {
		t.Errorf("node id = %q, want empty without p2p", info.ID)
	}

	var bans BanListResult
	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &bans)
	if bans.Count != 0 {
		t.Errorf("ban count = %d, want 0", bans.Count)
	}
}

func TestRPC_NetBan_NoManager(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "net_ban", PeerParam{Peer: "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"})
	if resp.Error == nil {
		t.Fatal("expected error without ban manager")
	}
	if resp.Error.Code != CodeInternalError {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInternalError)
	}
}

func TestRPC_NetBanUnban(t *testing.T) {
	env := setupTestEnv(t)
	env.server.SetBanManager(p2p.NewBanManager(nil, nil))

	const peerStr = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
	id, err := peer.Decode(peerStr)
	if err != nil {
		t.Fatalf("decode peer: %v", err)
	}

	var banned BanResult
	decodeResult(t, rpcCall(t, env.url, "net_ban", PeerParam{Peer: peerStr, Reason: "misbehaving"}), &banned)
	if !banned.Banned {
		t.Error("expected banned = true")
	}

	var list BanListResult
	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &list)
	if list.Count != 1 {
		t.Fatalf("ban count = %d, want 1", list.Count)
	}
	if list.Bans[0].ID != id.String() {
		t.Errorf("banned id = %q, want %q", list.Bans[0].ID, id.String())
	}
	if list.Bans[0].Reason != "misbehaving" {
		t.Errorf("reason = %q, want %q", list.Bans[0].Reason, "misbehaving")
	}

	var unbanned BanResult
	decodeResult(t, rpcCall(t, env.url, "net_unban", PeerParam{Peer: peerStr}), &unbanned)
	if unbanned.Banned {
		t.Error("expected banned = false")
	}

	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &list)
	if list.Count != 0 {
		t.Errorf("ban count = %d after unban, want 0", list.Count)
	}
}

func TestRPC_NetBan_InvalidPeer(t *testing.T) {
	env := setupTestEnv(t)
	env.server.SetBanManager(p2p.NewBanManager(nil, nil))

	resp := rpcCall(t, env.url, "net_ban", PeerParam{Peer: "not-a-peer-id"})
	if resp.Error == nil {
		t.Fatal("expected error for invalid peer id")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

// ── Protocol-level tests ────────────────────────────────────────────────

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "chain_doesNotExist", nil)
	if resp.Error == nil {
		t.Fatal("expected error")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestRPC_WrongJSONRPCVersion(t *testing.T) {
	env := setupTestEnv(t)

	body := []byte(`{"jsonrpc":"1.0","method":"chain_getInfo","id":1}`)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %+v", rpcResp.Error)
	}
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Post(env.url, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", rpcResp.Error)
	}
}

func TestRPC_GETNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %+v", rpcResp.Error)
	}
}

func TestRPC_BodyTooLarge(t *testing.T) {
	env := setupTestEnv(t)

	big := bytes.Repeat([]byte("a"), maxBodySize+10)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(big))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %+v", rpcResp.Error)
	}
}

func TestRPC_IPAllowlist_Blocked(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	body := []byte(`{"jsonrpc":"2.0","method":"chain_getInfo","id":1}`)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestRPC_IPAllowlist_Allowed(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"127.0.0.1"}})

	resp := rpcCall(t, env.url, "chain_getInfo", nil)
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error.Message)
	}
}

func TestRPC_CORSPreflight(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{CORSOrigins: []string{"*"}})

	req, err := http.NewRequest(http.MethodOptions, env.url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestRPC_MetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url + "metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Contains(body, []byte("veiltide_chain_height")) {
		t.Error("metrics output missing veiltide_chain_height")
	}
}

func TestParseAllowedIPs(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
	}{
		{"empty", nil, 0},
		{"cidr", []string{"10.0.0.0/8"}, 1},
		{"single v4", []string{"127.0.0.1"}, 1},
		{"single v6", []string{"::1"}, 1},
		{"garbage skipped", []string{"not-an-ip"}, 0},
		{"mixed", []string{"10.0.0.0/8", "garbage", "192.168.1.1"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAllowedIPs(tt.entries)
			if len(got) != tt.want {
				t.Errorf("parsed %d nets, want %d", len(got), tt.want)
			}
		})
	}
}

func TestServer_Addr_BeforeStart(t *testing.T) {
	srv := New("127.0.0.1:19999", nil, nil, nil, testGenesis())
	if srv.Addr() != "127.0.0.1:19999" {
		t.Errorf("Addr = %q, want configured address before Start", srv.Addr())
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := New(ln.Addr().String(), nil, nil, nil, testGenesis())
	if err := srv.Start(); err == nil {
		srv.Stop()
		t.Fatal("expected Start to fail on a busy port")
	}
}
