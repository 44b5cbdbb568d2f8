package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cgast/crewd/pkg/run"
)

var validateParams []string

func init() {
	validateCmd.Flags().StringArrayVar(&validateParams, "param", nil, "request parameter override (k=v, repeatable)")
}

var validateCmd = &cobra.Command{
	Use:   "validate <request-file>",
	Short: "Lint a run request without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(validateParams)
		if err != nil {
			return err
		}
		req, err := run.LoadRequest(args[0], params)
		if err != nil {
			return err
		}

		v := req.Validate()
		if v.Valid() {
			fmt.Printf("%s: ok (%d tasks)\n", args[0], len(req.Tasks))
			return nil
		}
		for _, e := range v.Errors {
			fmt.Fprintf(os.Stderr, "%s: %s\n", args[0], e.Error())
		}
		os.Exit(1)
		return nil
	},
}
