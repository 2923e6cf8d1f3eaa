// Package config provides configuration management for the OpenFleet server.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Bus      BusConfig      `mapstructure:"bus"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration. PublicIP is the address
// advertised to agents in the check-in response websocket_url.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	PublicIP     string `mapstructure:"publicIp"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds device-store configuration. When URL (a Postgres DSN)
// is set the pgx store is used; otherwise Path selects the SQLite store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// BusConfig selects the push-bus backend. Empty URLs mean the in-process
// bus; a nats:// or redis:// URL selects the external broker.
type BusConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	RedisURL      string `mapstructure:"redisUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds the shared agent credentials and update policy.
type AgentConfig struct {
	Token           string `mapstructure:"token"`
	LatestVersion   string `mapstructure:"latestVersion"`
	AutoUpdate      bool   `mapstructure:"autoUpdate"`
	WriteBufferSize int    `mapstructure:"writeBufferSize"` // outbound frames queued per session
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPENFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.publicIp", "localhost")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty URL means SQLite at database.path
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "openfleet.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Bus defaults - empty URLs mean in-process push bus
	v.SetDefault("bus.natsUrl", "")
	v.SetDefault("bus.redisUrl", "")
	v.SetDefault("bus.clientId", "openfleet-server")
	v.SetDefault("bus.maxReconnects", 10)

	v.SetDefault("agent.token", "")
	v.SetDefault("agent.latestVersion", "")
	v.SetDefault("agent.autoUpdate", false)
	v.SetDefault("agent.writeBufferSize", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix OPENFLEET_ with snake_case
// naming; the legacy un-prefixed names (DATABASE_URL, AGENT_TOKEN, ...) are
// also honored for drop-in deployment.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPENFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy deployment env vars predate the OPENFLEET_ prefix.
	_ = v.BindEnv("database.url", "DATABASE_URL", "OPENFLEET_DATABASE_URL")
	_ = v.BindEnv("bus.natsUrl", "NATS_URL", "OPENFLEET_BUS_NATS_URL")
	_ = v.BindEnv("bus.redisUrl", "REDIS_URL", "OPENFLEET_BUS_REDIS_URL")
	_ = v.BindEnv("agent.token", "AGENT_TOKEN", "OPENFLEET_AGENT_TOKEN")
	_ = v.BindEnv("server.publicIp", "SERVER_IP", "OPENFLEET_SERVER_PUBLIC_IP")
	_ = v.BindEnv("server.port", "BACKEND_PORT", "OPENFLEET_SERVER_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openfleet/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Token == "" {
		errs = append(errs, "agent.token is required (set AGENT_TOKEN)")
	}

	if cfg.Agent.WriteBufferSize <= 0 {
		errs = append(errs, "agent.writeBufferSize must be positive")
	}

	if cfg.Database.URL == "" && cfg.Database.Path == "" {
		errs = append(errs, "one of database.url or database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
