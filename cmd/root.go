// Package cmd wires the mediad CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediad",
		Short: "Media ingestion and derivative-generation service.",
		Long: `mediad ingests uploaded media assets, generates web-ready derivatives
(resized WebP renditions, blurhash placeholders, audio transcodes and
waveforms), stores them behind a CDN and tracks how portfolio works
reference each asset.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overrides MEDIAD_* environment variables)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPurgeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
