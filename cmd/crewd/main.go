// Package main implements the crewd CLI: submitting run requests,
// inspecting runs and checkpoints, and managing the agent registry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "crewd",
	Short: "Multi-agent run coordinator",
	Long: `crewd coordinates multi-agent runs: it loads agent descriptors,
plans dependency-ordered waves, packages per-agent context under token
budgets, dispatches through the configured transport, validates results
against declared criteria, and records outcomes for future runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default .crewd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(validateCmd)
}
