package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/kernel"
)

// NewResolveCommand creates the resolve command
func NewResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <manifest-dir>",
		Short: "Print the computed load order",
		Long: `Resolves the dependency graph of every manifest in the directory and
prints the load order, one module per line. Cycles and missing or
version-conflicting dependencies fail with a diagnostic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifests, err := loadManifestDir(args[0])
			if err != nil {
				return err
			}
			order, err := kernel.Resolve(manifests)
			if err != nil {
				return err
			}
			for i, name := range order {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
			}
			return nil
		},
	}
	return cmd
}
