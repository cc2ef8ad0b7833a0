package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/fee"
)

var feeCmd = &cobra.Command{
	Use:   "fee <chain-id>",
	Short: "Print the fee quote the engine would use on a network",
	Args:  cobra.ExactArgs(1),
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

		configs, err := cfg.FeeConfigs()
		if err != nil {
			return err
		}
		est, err := fee.NewEstimator(registry, configs, fee.WithCallTimeout(cfg.CallTimeout))
		if err != nil {
			return err
		}

		q, err := est.Estimate(ctx, chain.ID(args[0]))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "chain:          %s\n", q.ChainID)
		fmt.Fprintf(out, "model:          %s\n", q.Model)
		fmt.Fprintf(out, "priority fee:   %v\n", q.PriorityFee)
		fmt.Fprintf(out, "max fee/price:  %v\n", q.MaxFeeOrGasPrice)
		fmt.Fprintf(out, "compute limit:  %d\n", q.ComputeLimit)
		fmt.Fprintf(out, "estimated:      %t\n", q.Estimated)

		bump, _ := cmd.Flags().GetBool("bump")
		if bump {
			b, err := est.Bump(q)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "bumped:         priority=%v max=%v\n", b.PriorityFee, b.MaxFeeOrGasPrice)
		}
		return nil
	},
}

func init() {
	feeCmd.Flags().Bool("bump", false, "Also print the quote a fee-underpriced retry would use")
	rootCmd.AddCommand(feeCmd)
}
