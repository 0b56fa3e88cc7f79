package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	ps "github.com/mitchellh/go-ps"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	supervisor "github.com/axondata/go-supervisor"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the configured services",
	Long: "Probe every configured service through its backend and print its state,\n" +
		"PID and executable. Nothing is started or stopped.",
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "overall probe timeout")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("rackd-supervisor status: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	sup, conns, err := buildSupervisor(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("rackd-supervisor status: %w", err)
	}
	defer conns.Close()

	return printStatus(cmd.OutOrStdout(), sup, sup.GetStatusMap(ctx))
}

func printStatus(out io.Writer, sup *supervisor.Supervisor, states map[string]string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tPID\tEXECUTABLE")
	for _, svc := range sup.Services() {
		pid := "-"
		exe := "-"
		if p := svc.PID(); p > 0 {
			pid = fmt.Sprint(p)
			exe = executable(p)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", svc.Name(), svc.Type(), states[svc.Name()], pid, exe)
	}
	return w.Flush()
}

// executable names the binary running as pid, or "?" if it is gone.
func executable(pid int) string {
	p, err := ps.FindProcess(pid)
	if err != nil || p == nil {
		return "?"
	}
	return p.Executable()
}
