// Package config loads and validates the service configuration from a yaml
// file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosspost/publisher/internal/database"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/ratelimit"
)

const (
	// DefaultServerAddress is the default listen address
	DefaultServerAddress = ":8080"
	// DefaultReadTimeoutSeconds is the default read timeout in seconds
	DefaultReadTimeoutSeconds = 10
	// DefaultWriteTimeoutSeconds is the default write timeout in seconds
	DefaultWriteTimeoutSeconds = 30
	// DefaultShutdownTimeoutSeconds is the default shutdown timeout in seconds
	DefaultShutdownTimeoutSeconds = 30
)

type Config struct {
	Debug      bool                       `yaml:"debug"`
	Server     ServerConfig               `yaml:"server"`
	Database   database.Config            `yaml:"database"`
	Redis      RedisConfig                `yaml:"redis"`
	Queue      QueueConfig                `yaml:"queue"`
	Scheduler  SchedulerConfig            `yaml:"scheduler"`
	RateLimits map[string]ratelimit.Limit `yaml:"rate_limits"`
	OAuth      OAuthConfig                `yaml:"oauth"`
	Platforms  PlatformsConfig            `yaml:"platforms"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// RedisConfig configures the optional shared rate-limit store. When disabled
// the limiter runs on the in-memory store (single instance).
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type OAuthConfig struct {
	StateSecret string                          `yaml:"state_secret"`
	Providers   map[string]oauth.ProviderConfig `yaml:"providers"`
}

// PlatformsConfig overrides the platform API base URLs, mainly for staging
// and tests. Empty values select the production endpoints.
type PlatformsConfig struct {
	TwitterBaseURL  string `yaml:"twitter_base_url"`
	LinkedInBaseURL string `yaml:"linkedin_base_url"`
}

// Validate checks the configuration, assuming defaults are already applied.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis.enabled is true")
	}
	if c.OAuth.StateSecret == "" {
		return errors.New("oauth.state_secret is required")
	}
	for name, provider := range c.OAuth.Providers {
		if provider.ClientID == "" {
			return fmt.Errorf("oauth.providers.%s.client_id is required", name)
		}
		if provider.TokenURL == "" {
			return fmt.Errorf("oauth.providers.%s.token_url is required", name)
		}
	}
	for name, limit := range c.RateLimits {
		if limit.MaxPerHour <= 0 || limit.MaxPerUserPerHour <= 0 {
			return fmt.Errorf("rate_limits.%s budgets must be positive", name)
		}
	}
	return nil
}

// setDefaults sets default values for configuration fields
func setDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultServerAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeoutSeconds * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeoutSeconds * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeoutSeconds * time.Second
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 5 * time.Second
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.PublishTimeout == 0 {
		cfg.Queue.PublishTimeout = 10 * time.Second
	}
	if cfg.Scheduler.SweepInterval == 0 {
		cfg.Scheduler.SweepInterval = 60 * time.Second
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
}

// overrideWithEnvVars overrides configuration with environment variables
func overrideWithEnvVars(cfg *Config) {
	if appDebug := os.Getenv("APP_DEBUG"); appDebug != "" {
		cfg.Debug = parseBool(appDebug)
	}
	if port := os.Getenv("PUBLISHER_PORT"); port != "" {
		cfg.Server.Address = ":" + port
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if secret := os.Getenv("OAUTH_STATE_SECRET"); secret != "" {
		cfg.OAuth.StateSecret = secret
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// parseBool parses a string value as a boolean.
// Returns true for "true", "1", "yes" (case-insensitive), false otherwise.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
