package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/kernel"
)

// NewValidateCommand creates the validate command
func NewValidateCommand() *cobra.Command {
	var capabilities []string

	cmd := &cobra.Command{
		Use:   "validate <manifest-dir>",
		Short: "Validate every manifest in a directory",
		Long: `Parses and validates each manifest file, then checks the set as a whole:
capability conflicts and dependency resolution. Exits non-zero on the first
class of problem found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifests, err := loadManifestDir(args[0])
			if err != nil {
				return err
			}

			policy := kernel.NewExclusiveCapabilityPolicy(capabilities...)
			if err := kernel.ValidateCapabilities(manifests, policy); err != nil {
				return err
			}
			if _, err := kernel.Resolve(manifests); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d manifests valid\n", len(manifests))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "exclusive", nil, "capability tags that at most one module may declare")
	return cmd
}
