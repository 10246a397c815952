// Veiltide full node daemon.
//
// Usage:
//
//	veiltided [run] [--mine --keychain]  Run node (default)
//	veiltided config                     Write a fresh default config file
//	veiltided clean                      Delete chain data (keystore kept)
//	veiltided --help                     Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/internal/node"
)

func main() {
	// An optional subcommand comes before the flags.
	cmd := "run"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run", "config", "clean":
			cmd = os.Args[1]
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "config":
		writeConfig(cfg)
	case "clean":
		clean(cfg)
	default:
		run(cfg)
	}
}

// writeConfig overwrites the config file with current defaults.
func writeConfig(cfg *config.Config) {
	path := cfg.ConfigFile()
	if err := config.WriteDefaultConfig(path, cfg.Network); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
}

// clean removes chain data for the selected network. The keystore survives:
// blinds are not reconstructible from chain data.
func clean(cfg *config.Config) {
	root := cfg.ChainDataDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading %s: %v\n", root, err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.Name() == "keystore" {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: removing %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("Removed %s\n", path)
	}
}

func run(cfg *config.Config) {
	if cfg.Keychain.Enabled {
		password, err := keychainPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: reading keychain password: %v\n", err)
			os.Exit(1)
		}
		cfg.KeychainPassword = password
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

// keychainPassword reads the keychain password from the environment, or
// prompts on the terminal when running interactively.
func keychainPassword() ([]byte, error) {
	if pw := os.Getenv("VEILTIDE_KEYCHAIN_PASSWORD"); pw != "" {
		return []byte(pw), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("no terminal available; set VEILTIDE_KEYCHAIN_PASSWORD")
	}
	fmt.Fprint(os.Stderr, "Keychain password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return password, err
}
