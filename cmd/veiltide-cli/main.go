// veiltide-cli is a command-line client for interacting with a veiltided node.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/keychain"
	"github.com/veiltide/veiltide-chain/internal/rpc"
	"github.com/veiltide/veiltide-chain/internal/rpcclient"
	"github.com/veiltide/veiltide-chain/pkg/tx"
)

// keystoreDir returns the keystore path matching veiltided's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := ""
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		case args[0] == "--testnet":
			network = "testnet"
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	if rpcURL == "" {
		port := config.Default(config.NetworkType(network)).RPC.Port
		rpcURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers", "listconnectedpeers":
		cmdPeers(client)
	case "submit":
		cmdSubmit(client, cmdArgs)
	case "validate":
		cmdValidate(client, cmdArgs)
	case "ban":
		cmdBan(client, cmdArgs)
	case "unban":
		cmdUnban(client, cmdArgs)
	case "banlist":
		cmdBanList(client)
	case "keychain":
		cmdKeychain(cmdArgs, ksDir)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: veiltide-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8667, testnet 8767)
  --datadir <path>    Data directory (default: ~/.veiltide)
  --network <net>     mainnet (default) or testnet
  --testnet           Shorthand for --network testnet

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  mempool                         Show mempool stats
  peers                           Show connected peers (alias: listconnectedpeers)
  submit <tx.json>                Submit a transaction from a JSON file
  validate <tx.json>              Validate a transaction without submitting

  ban <peer> [--reason <r>]       Ban a peer for 24h
  unban <peer>                    Lift a peer ban
  banlist                         Show banned peers

  keychain init                   Create a new keychain (prints the mnemonic)
  keychain restore                Restore a keychain from a mnemonic
  keychain info                   Show keychain status

Keychain flags:
  --file <path>       Keychain file (default: <datadir>/<network>/keystore/keychain.json)
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:      %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:     %s\n", info.Symbol)
	}
	fmt.Printf("Height:     %d\n", info.Height)
	fmt.Printf("Tip:        %s\n", info.TipHash)
	fmt.Printf("Difficulty: %d (total)\n", info.TotalDifficulty)
	if info.SyncState != "" {
		fmt.Printf("Sync:       %s\n", info.SyncState)
	}
	if info.OrphanCount > 0 {
		fmt.Printf("Orphans:    %d\n", info.OrphanCount)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err == nil {
		fmt.Printf("Peers:      %d\n", peers.Count)
	}
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veiltide-cli block <hash|height>")
	}

	arg := args[0]
	var result rpc.BlockResult

	// Try as height first (pure number).
	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByHeight", rpc.HeightParam{Height: height}, &result); err != nil {
			fatal("chain_getBlockByHeight: %v", err)
		}
	} else {
		if err := client.Call("chain_getBlockByHash", rpc.HashParam{Hash: arg}, &result); err != nil {
			fatal("chain_getBlockByHash: %v", err)
		}
	}

	fmt.Printf("Hash:       %s\n", result.Hash)
	fmt.Printf("Height:     %d\n", result.Header.Height)
	fmt.Printf("Prev:       %s\n", result.Header.PrevHash)
	fmt.Printf("Time:       %s\n", time.Unix(int64(result.Header.Timestamp), 0).UTC().Format(time.RFC3339))
	fmt.Printf("Difficulty: %d\n", result.Header.Difficulty)
	fmt.Printf("Weight:     %d\n", result.Weight)
	fmt.Printf("Fees:       %s\n", formatAmount(result.Fee))
	fmt.Printf("Inputs:     %d\n", len(result.Inputs))
	fmt.Printf("Outputs:    %d\n", len(result.Outputs))
	fmt.Printf("Kernels:    %d\n", len(result.Kernels))
}

// ── mempool ─────────────────────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}

	fmt.Printf("Count:        %d\n", info.Count)
	fmt.Printf("Weight:       %d / %d\n", info.TotalWeight, info.MaxWeight)
	fmt.Printf("Min Fee Rate: %g per weight unit\n", info.MinFeeRate)

	if info.Count > 0 {
		var content rpc.MempoolContentResult
		if err := client.Call("mempool_getContent", nil, &content); err != nil {
			fatal("mempool_getContent: %v", err)
		}
		fmt.Println("Pending:")
		for _, h := range content.Hashes {
			fmt.Printf("  %s\n", h)
		}
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s (%s, connected: %s)\n", p.ID, p.Source, p.ConnectedAt)
	}
}

// ── transactions ────────────────────────────────────────────────────────

func loadTx(path string) *tx.Transaction {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("reading %s: %v", path, err)
	}
	var t tx.Transaction
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		fatal("parsing %s: %v", path, err)
	}
	return &t
}

func cmdSubmit(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veiltide-cli submit <tx.json>")
	}

	t := loadTx(args[0])
	var result rpc.TxSubmitResult
	if err := client.Call("tx_submit", rpc.TxSubmitParam{Transaction: t}, &result); err != nil {
		fatal("tx_submit: %v", err)
	}

	fmt.Printf("Accepted: %s\n", result.TxHash)
	fmt.Printf("Fee:      %s\n", formatAmount(result.Fee))
}

func cmdValidate(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veiltide-cli validate <tx.json>")
	}

	t := loadTx(args[0])
	var result rpc.TxValidateResult
	if err := client.Call("tx_validate", rpc.TxSubmitParam{Transaction: t}, &result); err != nil {
		fatal("tx_validate: %v", err)
	}

	if result.Valid {
		fmt.Printf("Valid. Fee: %s\n", formatAmount(result.Fee))
	} else {
		fmt.Printf("Invalid: %s\n", result.Error)
		os.Exit(1)
	}
}

// ── bans ────────────────────────────────────────────────────────────────

func cmdBan(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veiltide-cli ban <peer> [--reason <r>]")
	}

	param := rpc.PeerParam{Peer: args[0]}
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "--reason" {
			param.Reason = args[i+1]
		}
	}

	var result rpc.BanResult
	if err := client.Call("net_ban", param, &result); err != nil {
		fatal("net_ban: %v", err)
	}
	fmt.Printf("Banned: %s\n", result.Peer)
}

func cmdUnban(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: veiltide-cli unban <peer>")
	}

	var result rpc.BanResult
	if err := client.Call("net_unban", rpc.PeerParam{Peer: args[0]}, &result); err != nil {
		fatal("net_unban: %v", err)
	}
	fmt.Printf("Unbanned: %s\n", result.Peer)
}

func cmdBanList(client *rpcclient.Client) {
	var result rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &result); err != nil {
		fatal("net_getBanList: %v", err)
	}

	fmt.Printf("Banned peers: %d\n", result.Count)
	for _, b := range result.Bans {
		expires := time.Unix(b.ExpiresAt, 0).UTC().Format(time.RFC3339)
		fmt.Printf("  %s\n    reason: %s, score: %d, expires: %s\n", b.ID, b.Reason, b.Score, expires)
	}
}

// ── keychain ────────────────────────────────────────────────────────────

func cmdKeychain(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: veiltide-cli keychain <init|restore|info> [--file <path>]")
	}

	path := filepath.Join(ksDir, "keychain.json")
	sub := args[0]
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "--file" {
			path = args[i+1]
		}
	}

	switch sub {
	case "init":
		keychainInit(path, "")
	case "restore":
		fmt.Fprint(os.Stderr, "Mnemonic: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			fatal("reading mnemonic: %v", err)
		}
		mnemonic := strings.TrimSpace(line)
		if !keychain.ValidateMnemonic(mnemonic) {
			fatal("invalid mnemonic")
		}
		keychainInit(path, mnemonic)
	case "info":
		password, err := readPassword("Keychain password: ")
		if err != nil {
			fatal("reading password: %v", err)
		}
		kc, err := keychain.Open(path, password)
		if err != nil {
			fatal("opening keychain: %v", err)
		}
		fmt.Printf("File:       %s\n", path)
		fmt.Printf("Next blind: %d\n", kc.NextIndex())
	default:
		fatal("Unknown keychain command: %s", sub)
	}
}

// keychainInit creates a keychain file at path. With an empty mnemonic a
// fresh one is generated and printed for the user to write down.
func keychainInit(path, mnemonic string) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fatal("creating keystore dir: %v", err)
	}

	generated := mnemonic == ""
	if generated {
		var err error
		mnemonic, err = keychain.GenerateMnemonic()
		if err != nil {
			fatal("generating mnemonic: %v", err)
		}
	}

	password, err := readPassword("New keychain password: ")
	if err != nil {
		fatal("reading password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("reading password: %v", err)
	}
	if !bytes.Equal(password, confirm) {
		fatal("passwords do not match")
	}

	if err := keychain.Create(path, mnemonic, "", password, keychain.DefaultParams()); err != nil {
		fatal("creating keychain: %v", err)
	}

	fmt.Printf("Keychain created: %s\n", path)
	if generated {
		fmt.Println("\nRecovery mnemonic (write this down, it is shown only once):")
		fmt.Printf("\n  %s\n", mnemonic)
	}
}

// ── helpers ─────────────────────────────────────────────────────────────

// formatAmount renders raw base units as a decimal coin amount.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%09d", whole, frac)
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
