package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration is valid")
			fmt.Fprintf(out, "  addr:     %s\n", cfg.Server.Addr)
			fmt.Fprintf(out, "  role:     %s\n", cfg.Federation.Role)
			fmt.Fprintf(out, "  backlog:  %s\n", cfg.Backlog.Driver)
			fmt.Fprintf(out, "  domain:   %s\n", cfg.Domain.Store)
			return nil
		},
	}
}
