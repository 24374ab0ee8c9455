package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calimero-network/core-sub003/internal/node"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

var dataDirFlag string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "override the configured data directory")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the node and block until terminated",
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := node.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}

	log := logging.NewConsole(cfg.LogLevel)

	n, err := node.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	log.Info("node started", "peer_id", n.LocalPeerID().String(), "data_dir", cfg.DataDir)
	for _, addr := range n.ListenAddrs() {
		log.Info("listening", "addr", addr.String())
	}

	<-sigCh
	log.Info("shutting down")
	cancel()
	return n.Stop()
}
