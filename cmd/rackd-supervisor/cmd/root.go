// Package cmd implements the rackd-supervisor CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(versionTemplate())
}

func versionTemplate() string {
	return fmt.Sprintf("rackd-supervisor version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate)
}

var rootCmd = &cobra.Command{
	Use:   "rackd-supervisor",
	Short: "rackd-supervisor manages the rack controller daemons",
	Long: "rackd-supervisor starts, stops and monitors the daemons a rack controller\n" +
		"depends on (DHCP, DNS, NTP, proxy, TFTP), whether they run as direct\n" +
		"children, systemd units or supervisord programs.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/rackd/supervisor.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")

	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(versionTemplate())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
