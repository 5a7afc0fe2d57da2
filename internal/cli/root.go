// Package cli implements the errorhub command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/logger"
)

// Build information, set by main
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the errorhub root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "errorhub",
		Short: "errorhub - error report aggregation",
		Long: `errorhub collects error reports from applications, keeps per-application
counters and streams recaps and live errors to the viewers allowed to see them.
Instances can be federated behind a backend through relays.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel != "" && !validLevel(opts.LogLevel) {
				return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", opts.LogLevel)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig reads the configuration and applies the global flags
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	logger.Version = Version
	return logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.LogDestination())
}

func validLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
