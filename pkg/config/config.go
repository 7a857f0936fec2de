// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the ambassador's runtime configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

// Config is the full runtime configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `mapstructure:"listen"`

	// Environment is this instance's deployment label, matched against
	// profile environment scopes.
	Environment string `mapstructure:"environment"`

	// AdminToken authorizes the admin API surface. Empty disables the
	// admin routes.
	AdminToken string `mapstructure:"admin_token"`

	Database DatabaseConfig `mapstructure:"database"`
	Secret   SecretConfig   `mapstructure:"secret"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Pool     PoolConfig     `mapstructure:"pool"`

	// Vault points at the user credential file for per-user backends.
	Vault VaultConfig `mapstructure:"vault"`

	// Servers is the backend MCP catalog.
	Servers []ambassador.ServerConfig `mapstructure:"servers"`

	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SecretConfig locates the HMAC signing secret.
type SecretConfig struct {
	Path string `mapstructure:"path"`
}

// AuditConfig tunes the audit buffer.
type AuditConfig struct {
	Mode          string        `mapstructure:"mode"`
	RingSize      int           `mapstructure:"ring_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SpillPath     string        `mapstructure:"spill_path"`
}

// PoolConfig caps the per-user instance pool.
type PoolConfig struct {
	MaxTotalInstances   int           `mapstructure:"max_total_instances"`
	MaxInstancesPerUser int           `mapstructure:"max_instances_per_user"`
	InstanceIdleTimeout time.Duration `mapstructure:"instance_idle_timeout"`
}

// VaultConfig locates the credential file.
type VaultConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from path, applying defaults and
// AMBASSADOR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("listen", "127.0.0.1:8484")
	v.SetDefault("environment", "production")
	v.SetDefault("database.path", "ambassador.db")
	v.SetDefault("secret.path", "ambassador.secret")
	v.SetDefault("audit.mode", "buffer")
	v.SetDefault("audit.spill_path", "ambassador-audit.spill")

	v.SetEnvPrefix("AMBASSADOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Audit.Mode != "buffer" && c.Audit.Mode != "block" {
		return fmt.Errorf("audit.mode must be buffer or block, got %q", c.Audit.Mode)
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server catalog entry missing name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		switch s.Transport {
		case ambassador.TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("server %s: stdio transport requires command", s.Name)
			}
		case ambassador.TransportSSE, ambassador.TransportStreamableHTTP:
			if s.URL == "" {
				return fmt.Errorf("server %s: %s transport requires url", s.Name, s.Transport)
			}
		default:
			return fmt.Errorf("server %s: unknown transport %q", s.Name, s.Transport)
		}
	}
	return nil
}
