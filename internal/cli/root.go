package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reviewload/reviewload/internal/performance/config"
	"github.com/reviewload/reviewload/internal/performance/engine"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reviewload",
		Short:   "Load generator for the review-assigner service",
		Version: config.Version,
		Long: `reviewload drives a review-assigner HTTP service with a ramping population
of virtual users. Each iteration creates a team, opens a pull request, reads
a reviewer's queue, reassigns a reviewer and merges the PR.

Thresholds on the collected metrics decide the verdict:
  exit 0    all thresholds passed
  exit 99   at least one threshold failed
  exit 100  the target never answered
  exit 1    configuration or runtime error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newStubCmd())
	return cmd
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	return exitCode(Execute())
}

// exitCode maps a command error to an exit code, printing errors that were
// not already reported.
func exitCode(err error) int {
	if err == nil {
		return engine.ExitPassed
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return engine.ExitError
}
