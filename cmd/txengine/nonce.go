package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/nonce"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce <chain-id> <signer>",
	Short: "Show the chain's nonce counters and the next nonce the engine would lease",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		registry, closeAll, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		chainID, signer := chain.ID(args[0]), args[1]
		src, err := registry.NonceSource(chainID)
		if err != nil {
			return err
		}
		confirmed, err := src.ConfirmedNonce(ctx, signer)
		if err != nil {
			return err
		}
		pending, err := src.PendingNonce(ctx, signer)
		if err != nil {
			return err
		}

		// a fresh allocator leases exactly what a new engine would
		alloc := nonce.NewAllocator(registry, cfg.NonceOptions()...)
		l, err := alloc.Lease(ctx, signer, chainID, 0)
		if err != nil {
			return err
		}
		alloc.Release(signer, chainID, l.Nonce, nonce.OutcomeFailed)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "confirmed:  %d\n", confirmed)
		fmt.Fprintf(out, "pending:    %d\n", pending)
		fmt.Fprintf(out, "next lease: %d\n", l.Nonce)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nonceCmd)
}
