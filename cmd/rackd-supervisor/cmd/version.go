package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	supervisor "github.com/axondata/go-supervisor"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := supervisor.GetVersion()
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "rackd-supervisor %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
		fmt.Fprintf(w, "library:  %s\n", info.Version)
		fmt.Fprintf(w, "backends: %s\n", strings.Join(info.Backends, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
