//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jsturma/joblet/pkg/supervisor"
)

// shimCmd is the hidden re-exec entry the supervisor launches inside the
// sandbox namespaces. It never returns on success: the process image is
// replaced by the job's command.
var shimCmd = &cobra.Command{
	Use:    supervisor.InitCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := supervisor.RunShim(); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox init: %v\n", err)
			os.Exit(125)
		}
	},
}

func init() {
	rootCmd.AddCommand(shimCmd)
}
