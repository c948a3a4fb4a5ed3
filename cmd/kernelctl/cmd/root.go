// Package cmd implements the kernelctl command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the kernelctl application
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernelctl",
		Short: "Kernel CLI - inspect and run module manifests",
		Long: `kernelctl works with module manifest directories: validating manifests,
computing load order, running a kernel instance, and replaying its event log.`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewResolveCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewReplayCommand())

	return cmd
}

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("kernelctl v%s (commit: %s, built on: %s)", Version, Commit, Date)
}
