package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List the configured networks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		descs, err := cfg.Descriptors()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS MODEL\tFEE MODEL\tEXPLORER")
		for _, d := range descs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.AddressModel, d.FeeModel, d.ExplorerTxURL)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(chainsCmd)
}
