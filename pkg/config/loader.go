package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/armorclaw/errorhub/pkg/logger"
)

// Load loads configuration from a file path
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// If path is empty, search for default config files
	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		logger.Global().Warn("no configuration file found, using defaults",
			"checked", ConfigPaths(),
			"hint", "create a config with: errorhub init")
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Server overrides
	if v := os.Getenv("ERRORHUB_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ERRORHUB_INSTANCE_ID"); v != "" {
		cfg.Server.InstanceID = v
	}
	if v := os.Getenv("ERRORHUB_SUBMIT_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ERRORHUB_SUBMIT_RATE: %w", err)
		}
		cfg.Server.SubmitRate = rate
	}
	if v := os.Getenv("ERRORHUB_ADMIN_ENABLED"); v != "" {
		cfg.Server.AdminEnabled = envBool(v)
	}
	if v := os.Getenv("ERRORHUB_TLS"); v != "" {
		cfg.Server.TLS = envBool(v)
	}

	// Store overrides
	if v := os.Getenv("ERRORHUB_BACKLOG_DRIVER"); v != "" {
		cfg.Backlog.Driver = v
	}
	if v := os.Getenv("ERRORHUB_BACKLOG_DSN"); v != "" {
		cfg.Backlog.DSN = v
	}
	if v := os.Getenv("ERRORHUB_DOMAIN_STORE"); v != "" {
		cfg.Domain.Store = v
	}
	if v := os.Getenv("ERRORHUB_DOMAIN_PATH"); v != "" {
		cfg.Domain.Path = v
	}

	// Federation overrides
	if v := os.Getenv("ERRORHUB_FEDERATION_ROLE"); v != "" {
		cfg.Federation.Role = strings.ToLower(v)
	}
	if v := os.Getenv("ERRORHUB_FEDERATION_ENDPOINT"); v != "" {
		cfg.Federation.Endpoint = v
	}
	if v := os.Getenv("ERRORHUB_FEDERATION_DISCOVER"); v != "" {
		cfg.Federation.Discover = envBool(v)
	}
	if v := os.Getenv("ERRORHUB_FEDERATION_CODEC"); v != "" {
		cfg.Federation.Codec = strings.ToLower(v)
	}
	if v := os.Getenv("ERRORHUB_OUTBOX_PATH"); v != "" {
		cfg.Federation.OutboxPath = v
	}

	// Logging overrides
	if v := os.Getenv("ERRORHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ERRORHUB_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ERRORHUB_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("ERRORHUB_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	return nil
}

// Save saves the configuration to a file
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep Windows paths from being read as TOML escapes
	cfgCopy := *cfg
	cfgCopy.Backlog.DSN = filepath.ToSlash(cfg.Backlog.DSN)
	cfgCopy.Domain.Path = filepath.ToSlash(cfg.Domain.Path)
	cfgCopy.Federation.OutboxPath = filepath.ToSlash(cfg.Federation.OutboxPath)
	cfgCopy.Server.CertDir = filepath.ToSlash(cfg.Server.CertDir)
	if cfg.Logging.File != "" {
		cfgCopy.Logging.File = filepath.ToSlash(cfg.Logging.File)
	}

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Server.InstanceID = "backend-1"
	cfg.Federation.Role = RoleBackend
	cfg.Federation.Advertise = true
	cfg.Logging.Level = "info"

	return Save(cfg, path)
}
