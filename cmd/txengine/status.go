package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aptopilot/txengine/chain"
)

var statusCmd = &cobra.Command{
	Use:   "status <chain-id> <tx-hash>",
	Short: "Query the network once for the status of a transaction",
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

		n, err := registry.Get(chain.ID(args[0]))
		if err != nil {
			return err
		}
		st, err := n.Client.TxStatus(ctx, args[1])
		if err != nil {
			return fmt.Errorf("%s: %w", chain.KindOf(err), err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "state:     %s\n", st.State)
		if st.Reference != "" {
			fmt.Fprintf(out, "reference: %s\n", st.Reference)
		}
		if st.Reason != "" {
			fmt.Fprintf(out, "reason:    %s\n", st.Reason)
		}
		fmt.Fprintf(out, "explorer:  %s\n", n.Descriptor.ExplorerLink(args[1]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
