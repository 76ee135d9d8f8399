// Package cli defines Cobra command definitions for the otdrive CLI.
// This file contains the root command, version flag, and global flags.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	envFile  string
	logLevel string
	workers  int
	version  = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "otdrive",
	Short: "Drive OpenThread network simulations from the command line",
	Long: `otdrive automates the OTNS simulator and OpenThread node containers.
It builds topologies, lets them converge at accelerated speed, queries
every node in parallel, commissions joiners, and measures ping delay
as a line of routers grows.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional KEY=VALUE file loaded before the environment overlay")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug|info|warn|error)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Override fanout.workers")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(commissionCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
}
