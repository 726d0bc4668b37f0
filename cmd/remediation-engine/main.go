package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "mirador-remediation"

// Exit codes reported by the CLI.
const (
	exitOK          = 0
	exitUnhandled   = 1
	exitUnavailable = 2
)

var configPath string

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "remediation-engine",
		Short:         "Autonomous remediation decision core",
		Long:          "Scores metric anomalies for monitored targets, decides whether to alert or remediate, and guards remediation with per-target circuit breakers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $MIRADOR_REMEDIATION_CONFIG)")
	root.AddCommand(newServeCmd(), newEvaluateCmd())
	return root
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintln(stderr, "error:", exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintln(stderr, "error:", err)
		return exitUnavailable
	}
	return exitOK
}
