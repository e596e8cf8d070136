package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	version = "0.3.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metricpipe",
		Short: "Metrics collection and aggregation pipeline",
		Long: `metricpipe records application metrics against a registry of definitions,
buffers and flushes them to storage, rolls them up on fixed windows and
expires them by retention.

Configuration is read from the file given with --config and overridden by
METRICPIPE_* environment variables, e.g. METRICPIPE_STORAGE_BACKEND=redis.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "metricpipe v%s\n", version)
			return err
		},
	}
}
