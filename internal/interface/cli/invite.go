package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/node"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

var inviteContextID string

func init() {
	inviteCmd.AddCommand(inviteCreateCmd)
	inviteCmd.AddCommand(inviteAcceptCmd)
	rootCmd.AddCommand(inviteCmd)

	inviteCreateCmd.Flags().StringVar(&inviteContextID, "context", "", "context ID (hex) to invite into")
	_ = inviteCreateCmd.MarkFlagRequired("context")
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "create or accept context invite tokens",
}

var inviteCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "print an invite token for a context this node already belongs to",
	RunE: func(cmd *cobra.Command, args []string) error {
		contextID, err := primitives.IDFromHex(inviteContextID)
		if err != nil {
			return fmt.Errorf("parse context id: %w", err)
		}

		cfg, err := node.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		n, err := node.New(cfg, logging.Nop())
		if err != nil {
			return fmt.Errorf("create node: %w", err)
		}

		token, err := n.CreateInvite(contextID)
		if err != nil {
			return fmt.Errorf("create invite: %w", err)
		}
		encoded, err := token.Encode()
		if err != nil {
			return err
		}
		cmd.Println(encoded)
		return nil
	},
}

var inviteAcceptCmd = &cobra.Command{
	Use:   "accept <token>",
	Short: "join a context using an invite token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := crypto.DecodeInviteToken(args[0])
		if err != nil {
			return fmt.Errorf("decode invite token: %w", err)
		}

		cfg, err := node.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logging.NewConsole(cfg.LogLevel)
		n, err := node.New(cfg, log)
		if err != nil {
			return fmt.Errorf("create node: %w", err)
		}

		if err := n.Start(cmd.Context()); err != nil {
			return fmt.Errorf("start node: %w", err)
		}
		defer n.Stop()

		ctxState, err := n.JoinViaInvite(cmd.Context(), token)
		if err != nil {
			return fmt.Errorf("join via invite: %w", err)
		}
		cmd.Printf("joined context %s\n", ctxState.ID.String())
		return nil
	},
}
