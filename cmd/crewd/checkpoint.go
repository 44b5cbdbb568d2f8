package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgast/crewd/pkg/checkpoint"
	"github.com/cgast/crewd/pkg/run"
)

var (
	rollbackMode    string
	rollbackTasks   []string
	rollbackRequest string
	rollbackParams  []string
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect saved checkpoints",
}

func init() {
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointLoadCmd)

	rollbackCmd.Flags().StringVar(&rollbackMode, "mode", "full", "rollback mode: full, partial, or merge")
	rollbackCmd.Flags().StringArrayVar(&rollbackTasks, "task", nil, "task restored under partial mode (repeatable)")
	rollbackCmd.Flags().StringVar(&rollbackRequest, "request", "", "request file the run was started from")
	rollbackCmd.Flags().StringArrayVar(&rollbackParams, "param", nil, "request parameter override (k=v, repeatable)")
	_ = rollbackCmd.MarkFlagRequired("request")
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List checkpoints of a run, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.checkpoints.List(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tCREATED")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, info.Phase, info.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var checkpointLoadCmd = &cobra.Command{
	Use:   "load <run-id> <checkpoint-id>",
	Short: "Print one checkpoint as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cp, err := a.checkpoints.Load(args[0], args[1])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <checkpoint-id>",
	Short: "Restore state from a checkpoint and continue the run",
	Long: `Restore coordinator state from a checkpoint and continue the run.

Modes: full restores the whole snapshot, partial restores only the
results named by --task, merge replays the named results onto the
checkpointed plan. Tasks without a restored result are re-executed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := checkpoint.ParseMode(rollbackMode)
		if err != nil {
			return err
		}
		params, err := parseParams(rollbackParams)
		if err != nil {
			return err
		}
		req, err := run.LoadRequest(rollbackRequest, params)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}

		stop := printProgress(a)
		report, err := a.runner.Resume(cmd.Context(), req, args[0], mode,
			checkpoint.RollbackOptions{Tasks: rollbackTasks})
		stop()
		if report == nil {
			a.Close()
			return err
		}

		fmt.Printf("run %s: %s (%d iterations, %s)\n",
			report.RunID, report.Outcome, report.Iterations, report.Duration.Round(time.Millisecond))
		a.Close()
		if code := report.Outcome.ExitCode(); code != 0 {
			os.Exit(code)
		}
		return nil
	},
}
