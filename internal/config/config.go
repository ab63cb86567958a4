// Package config loads the service configuration from YAML with environment
// overrides for the values that differ between deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fedgate/fedgate/internal/provider"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		// Driver selects the auth state backend: postgres | redis | memory.
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		Redis  struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Auth struct {
		// StateTTL bounds a login attempt between start and callback.
		StateTTL time.Duration `yaml:"state_ttl"`
		// SweepInterval drives the periodic auth state cleanup.
		SweepInterval time.Duration `yaml:"sweep_interval"`
		// AllowEmailStitching is the platform-wide stitching switch.
		AllowEmailStitching bool `yaml:"allow_email_stitching"`
	} `yaml:"auth"`

	Security struct {
		// MasterKeyEnv names the env var holding the base64 secretbox key.
		MasterKeyEnv string `yaml:"master_key_env"`
	} `yaml:"security"`

	// Providers is the static provider directory for single-box deployments.
	Providers []provider.Config `yaml:"providers"`
}

// Load reads the YAML file at path and applies env overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config read: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8084"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Auth.StateTTL <= 0 {
		c.Auth.StateTTL = 10 * time.Minute
	}
	if c.Auth.SweepInterval <= 0 {
		c.Auth.SweepInterval = 5 * time.Minute
	}
	if c.Security.MasterKeyEnv == "" {
		c.Security.MasterKeyEnv = "FEDGATE_MASTER_KEY"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FEDGATE_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("FEDGATE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FEDGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FEDGATE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("FEDGATE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("FEDGATE_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("FEDGATE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.Redis.DB = n
		}
	}
	if v := os.Getenv("FEDGATE_ALLOW_EMAIL_STITCHING"); v != "" {
		c.Auth.AllowEmailStitching = v == "true" || v == "1"
	}
}

// MasterKey reads the secretbox master key from the configured env var.
func (c *Config) MasterKey() string {
	return os.Getenv(c.Security.MasterKeyEnv)
}
