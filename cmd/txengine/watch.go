package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/monitor"
)

var watchCmd = &cobra.Command{
	Use:   "watch <chain-id> <tx-hash>",
	Short: "Poll a transaction until it is final and deliver the outcome",
	Long: `watch runs the engine's confirmation monitor for a single transaction.
The outcome is published on the configured redis channel, or logged when no
redis server is configured.`,
	Args: cobra.ExactArgs(2),
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

		n, closeNotifier := notifier(cfg)
		defer closeNotifier()

		owner, _ := cmd.Flags().GetString("owner")
		m := monitor.New(registry, n, monitor.WithPolicy(cfg.MonitorPolicy()))
		defer m.Close()

		w, err := m.Watch(ctx, monitor.Target{
			Owner:   owner,
			TxHash:  args[1],
			ChainID: chain.ID(args[0]),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "watching %s on %s (up to %s)\n", args[1], args[0], m.Policy().WorstCase())

		select {
		case <-w.Done():
		case <-ctx.Done():
			w.Stop()
			return ctx.Err()
		}
		r, _ := w.Result()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "outcome:   %s\n", r.Outcome)
		fmt.Fprintf(out, "checks:    %d\n", r.Attempts)
		if r.Status.Reference != "" {
			fmt.Fprintf(out, "reference: %s\n", r.Status.Reference)
		}
		fmt.Fprintf(out, "explorer:  %s\n", r.ExplorerLink)
		if r.Err != nil {
			fmt.Fprintf(out, "error:     %v\n", r.Err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().String("owner", "cli", "Owner the notification is addressed to")
	rootCmd.AddCommand(watchCmd)
}
