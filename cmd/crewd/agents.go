package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCapability string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and reload the agent registry",
}

func init() {
	agentsListCmd.Flags().StringVar(&listCapability, "capability", "",
		"only list agents matching a capability pattern, e.g. security-*")
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsReloadCmd)
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded agent descriptors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.registry.Load(a.cfg.AgentsDir); err != nil {
			return err
		}

		ids := a.registry.Names()
		if listCapability != "" {
			ids = a.registry.MatchCapability(listCapability)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCATEGORY\tCLASS\tBUDGET\tCAPABILITIES")
		for _, id := range ids {
			d, err := a.registry.Get(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				d.ID, d.Category, d.ResourceClass, d.TokenBudget, strings.Join(d.Capabilities, ","))
		}
		return w.Flush()
	},
}

var agentsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload agent descriptors from the configured directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.registry.Load(a.cfg.AgentsDir)
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d agent descriptors from %s\n", n, a.cfg.AgentsDir)
		return nil
	},
}
