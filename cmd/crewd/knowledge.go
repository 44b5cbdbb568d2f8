package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgast/crewd/pkg/knowledge"
)

var (
	lookupKind        string
	lookupFingerprint bool
	failuresWindow    time.Duration
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Query and maintain the cross-run outcome log",
}

func init() {
	knowledgeLookupCmd.Flags().StringVar(&lookupKind, "kind", string(knowledge.QueryErrorPattern),
		"query kind: error_pattern, successful_solution, agent_performance, or failure_cascade")
	knowledgeLookupCmd.Flags().BoolVar(&lookupFingerprint, "fingerprint", false,
		"treat the entity as an exact context fingerprint")
	knowledgeFailuresCmd.Flags().DurationVar(&failuresWindow, "window", 24*time.Hour,
		"how far back to look for matching failures")

	knowledgeCmd.AddCommand(knowledgeLookupCmd)
	knowledgeCmd.AddCommand(knowledgeFailuresCmd)
	knowledgeCmd.AddCommand(knowledgeCompactCmd)
}

var queryKinds = map[string]knowledge.QueryKind{
	string(knowledge.QueryErrorPattern):  knowledge.QueryErrorPattern,
	string(knowledge.QuerySolution):      knowledge.QuerySolution,
	string(knowledge.QueryAgentPerf):     knowledge.QueryAgentPerf,
	string(knowledge.QueryFailureChains): knowledge.QueryFailureChains,
}

var knowledgeLookupCmd = &cobra.Command{
	Use:   "lookup <entity>",
	Short: "Find past outcomes relevant to an entity",
	Long: `Find past outcomes relevant to an entity such as an agent id,
a criterion name, or an error fragment. Results are ordered by
recency-weighted similarity. With --fingerprint the entity is an exact
context fingerprint and every record that ran against it is listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := queryKinds[lookupKind]
		if !ok {
			return fmt.Errorf("unknown query kind %q", lookupKind)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if lookupFingerprint {
			return printRecords(a.knowledge.ByFingerprint(args[0]))
		}
		return printRecords(a.knowledge.Lookup(args[0], kind))
	},
}

var knowledgeFailuresCmd = &cobra.Command{
	Use:   "failures <pattern>",
	Short: "List recent failures similar to a pattern key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return printRecords(a.knowledge.RecentFailures(args[0], failuresWindow))
	},
}

var knowledgeCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Discard records past the retention age",
	Long: `Discard records older than the configured retention age. The
newest successful record of each pattern key is kept regardless of age.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.knowledge.Compact()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d records\n", removed)
		return nil
	},
}

func printRecords(records []knowledge.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORDED\tPATTERN\tAGENT\tOUTCOME\tCASCADE\tDETAILS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
			r.RecordedAt.Format(time.RFC3339), r.PatternKey, r.AgentID, r.Outcome, r.Cascade, r.Details)
	}
	return w.Flush()
}
