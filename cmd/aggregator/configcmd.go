package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/account-aggregator/internal/version"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load, default and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config OK: %s\n", opts.configPath)
			fmt.Fprintf(out, "  feed:      %s (token %s)\n", cfg.Feed.WSURL, feedToken(cfg).Describe())
			fmt.Fprintf(out, "  bulk:      %s\n", cfg.Bulk.Kind)
			fmt.Fprintf(out, "  cache:     %s (capacity %d)\n", cfg.Cache.Backend, cfg.Cache.Capacity)
			fmt.Fprintf(out, "  reconcile: every %s, epsilon %g\n", cfg.Reconcile.Interval, cfg.Reconcile.Epsilon)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
