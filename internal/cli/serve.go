package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/armorclaw/errorhub/internal/app"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr, role, endpoint string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an errorhub instance",
		Long: `Run an errorhub instance until interrupted.

The federation role decides whether the instance stands alone, accepts relays
on its bus (backend) or forwards its work to a backend (relay).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if role != "" {
				cfg.Federation.Role = role
			}
			if endpoint != "" {
				cfg.Federation.Endpoint = endpoint
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&role, "role", "", "federation role (none, backend, relay)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "backend bus URL for relays")

	return cmd
}
