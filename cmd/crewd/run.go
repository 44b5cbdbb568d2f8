package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgast/crewd/pkg/events"
	"github.com/cgast/crewd/pkg/run"
)

var (
	runParams   []string
	runProgress bool
)

func init() {
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "request parameter override (k=v, repeatable)")
	runCmd.Flags().BoolVar(&runProgress, "progress", true, "print phase and task progress")
}

var runCmd = &cobra.Command{
	Use:   "run <request-file>",
	Short: "Execute a run request",
	Long: `Execute a YAML run request to completion.

Exit codes: 0 when the run finishes clean, 1 when it aborts, 2 when
validation still fails after the iteration budget.

Examples:
  crewd run release.yaml
  crewd run release.yaml --param service=billing`,
	Args: cobra.ExactArgs(1),
	RunE: doRun,
}

func doRun(cmd *cobra.Command, args []string) error {
	params, err := parseParams(runParams)
	if err != nil {
		return err
	}
	req, err := run.LoadRequest(args[0], params)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	stop := printProgress(a)
	report, err := a.runner.Run(cmd.Context(), req)
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
}

// printProgress mirrors bus events onto stdout until stopped.
func printProgress(a *app) func() {
	if !runProgress {
		return func() {}
	}
	ch := a.bus.Subscribe(
		events.EventRunPhase,
		events.EventTaskEnd,
		events.EventTaskRetryQueue,
		events.EventIteration,
		events.EventRunAborted,
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			switch e.Type {
			case events.EventRunPhase:
				fmt.Printf("phase: %v\n", e.Data)
			case events.EventTaskEnd:
				fmt.Printf("  task %v done\n", e.Data)
			case events.EventTaskRetryQueue:
				fmt.Printf("  task %v queued for retry\n", e.Data)
			case events.EventIteration:
				fmt.Printf("iteration %v\n", e.Data)
			case events.EventRunAborted:
				fmt.Println("run aborted")
			}
		}
	}()
	return func() {
		a.bus.Unsubscribe(ch)
		<-done
	}
}

func parseParams(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want k=v", kv)
		}
		out[k] = v
	}
	return out, nil
}
