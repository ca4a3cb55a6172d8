// Command locallama runs the cost-aware inference router: a local-first
// model registry, task decomposition and routing pipeline, and the HTTP
// tool/resource surface.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "locallama",
		Short:         "Cost-aware LLM inference router",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newIndexCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "locallama %s (%s)\n", version, commit)
		},
	}
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		if code, ok := exitCodeOf(err); ok {
			return code
		}
		fmt.Fprintln(os.Stderr, "locallama:", err)
		return 1
	}
	return 0
}

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCodeOf(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(os.Stderr, "locallama:", ee.msg)
		}
		return ee.code, true
	}
	return 0, false
}
