package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
)

// NewVersionCommand prints the build version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "custody-store %s\n", config.Version)
			return err
		},
	}
}
