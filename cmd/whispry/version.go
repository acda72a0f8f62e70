package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden at release time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if commit == "none" && date == "unknown" {
				_, _ = fmt.Fprintf(out, "whispry %s (local build)\n", version)
				return nil
			}
			_, _ = fmt.Fprintf(out, "whispry %s (%s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
