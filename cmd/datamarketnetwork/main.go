// Package main provides the entry point for the data marketplace node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/datamarketnetwork/dmn-server/internal/config"
	"github.com/datamarketnetwork/dmn-server/internal/node"
	"github.com/datamarketnetwork/dmn-server/internal/vault"
)

var log = logging.Logger("dmn")

var rootCmd = &cobra.Command{
	Use:   "datamarketnetwork",
	Short: "Data Market Network - ledger-backed marketplace for data assets",
	Long: `datamarketnetwork runs a marketplace node: wallets authenticate with
signed challenges, each wallet is bound to a DID with vaulted key material,
and asset listings, purchases, and removals are settled on a distributed
ledger. Static assets are served from content-addressed storage and live
streams are delivered over GossipSub.`,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the marketplace daemon",
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize marketplace configuration",
	RunE:  runInit,
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Inspect the key vault",
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DIDs held in the vault",
	RunE:  runVaultList,
}

var (
	configPath string
	rpcURL     string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&rpcURL, "rpc", "r", "", "override ledger RPC endpoint")

	vaultCmd.AddCommand(vaultListCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(vaultCmd)
}

func main() {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if rpcURL != "" {
		cfg.Ledger.RPCURL = rpcURL
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Info("Starting Data Market Network daemon...")
	for _, addr := range n.Keyring().Addresses() {
		log.Infof("Signing address: %s", addr.Hex())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	return n.Close()
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	log.Infof("Initialized marketplace configuration at %s", path)
	return nil
}

func runVaultList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v, err := vault.Open(cfg.Vault.Path, cfg.Vault.MasterSecret)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	dids := v.DIDs()
	if len(dids) == 0 {
		fmt.Println("vault is empty")
		return nil
	}
	for _, did := range dids {
		fmt.Println(did)
	}
	return nil
}
