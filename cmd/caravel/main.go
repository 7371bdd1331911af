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

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "caravel",
	Short: "Caravel - cluster session scheduler and lifecycle controller",
	Long: `Caravel schedules compute sessions onto a fleet of agents and
drives each session through its lifecycle: placement, image pull,
container create, run, and teardown.

The control plane replicates its state over Raft, coordinates lifecycle
stages per scaling group, and supervises stuck sessions with a health
monitor.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Caravel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(controlplaneCmd)
}
