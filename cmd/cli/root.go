package cli

import (
	"fmt"
	"os"

	"flowrunner/cmd/cli/runcmd"

	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "frctl",
	Short: "FlowRunner - an execution orchestrator for agent flows",
	Long: `FlowRunner orchestrates agent flow executions: it validates flow definitions,
dispatches them to the execution engine and tracks every task until the run
reaches a terminal state.

At a minimum, you need to start the orchestrator, the scheduler and the webserver.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
