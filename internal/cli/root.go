// Package cli implements the switchboard command-line interface using Cobra.
// serve runs the daemon; the other commands talk to a running server over
// its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "switchboard routes work to the right agent",
	Long: `switchboard ingests tasks from any source, runs them through pipeline
rules into priority queues, escalates tasks that approach their SLA and
dispatches them to the best available agent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	serverURL  string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "switchboard server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $SWITCHBOARD_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
