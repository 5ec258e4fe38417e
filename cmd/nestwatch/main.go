package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nestwatch",
	Short: "Nestwatch - distributed monitoring core",
	Long: `Nestwatch is the monitoring core behind a multi-tenant status page
platform: a scheduler that probes every tenant's services through a
fleet of community-run worker agents, with deduplicated checks,
anti-fraud heartbeat verification, and live status fan-out.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nestwatch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(registrationCmd)
}
