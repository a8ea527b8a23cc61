// Package config loads the dispatcher configuration from a YAML file,
// a local .env file, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Mail      MailConfig      `yaml:"mail"`
	Providers ProvidersConfig `yaml:"providers"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional Redis settings. When no address is set
// the dispatcher falls back to postgres advisory locks for tick locking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// MailConfig holds platform-wide sending settings.
type MailConfig struct {
	SendingDomain string `yaml:"sending_domain"`
}

// ProvidersConfig holds delivery provider settings. API keys come from
// the environment, never from the YAML file.
type ProvidersConfig struct {
	// FallbackOrder is the ordered failover chain; its first entry is
	// the default active provider.
	FallbackOrder []string        `yaml:"fallback_order"`
	SparkPost     SparkPostConfig `yaml:"sparkpost"`
	SES           SESConfig       `yaml:"ses"`
}

// SparkPostConfig holds SparkPost settings.
type SparkPostConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	Region    string `yaml:"region"`
}

// DispatchConfig holds the dispatch loop tunables.
type DispatchConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	TickTimeoutSeconds  int `yaml:"tick_timeout_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// Load reads the YAML file at path (skipped when path is empty or the
// file is absent), applies environment overrides, and fills defaults.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (set DATABASE_URL)")
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SENDING_DOMAIN"); v != "" {
		c.Mail.SendingDomain = v
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		c.Providers.SparkPost.APIKey = v
	}
	if v := os.Getenv("SPARKPOST_BASE_URL"); v != "" {
		c.Providers.SparkPost.BaseURL = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Providers.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Providers.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Providers.SES.Region = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.Mail.SendingDomain == "" {
		c.Mail.SendingDomain = "mail.newsletterfy.com"
	}
	if len(c.Providers.FallbackOrder) == 0 {
		c.Providers.FallbackOrder = []string{"sparkpost", "ses"}
	}
	if c.Providers.SES.Region == "" {
		c.Providers.SES.Region = "us-east-1"
	}
	if c.Dispatch.TickIntervalSeconds == 0 {
		c.Dispatch.TickIntervalSeconds = 60
	}
	if c.Dispatch.TickTimeoutSeconds == 0 {
		c.Dispatch.TickTimeoutSeconds = 50
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 100
	}
}
