package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cgast/crewd/pkg/run"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show phase, plan summary, and per-task statuses of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sr, err := a.runner.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Print(run.FormatStatus(sr))
		return nil
	},
}
