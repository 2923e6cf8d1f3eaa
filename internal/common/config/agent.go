package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AgentClientConfig is the device-side configuration for cmd/agent.
type AgentClientConfig struct {
	// PrimaryHost and FallbackHost are the two candidate server addresses
	// the reachability selector probes, in that order.
	PrimaryHost  string `mapstructure:"primaryHost"`
	FallbackHost string `mapstructure:"fallbackHost"`
	Port         int    `mapstructure:"port"`

	Token   string `mapstructure:"token"`
	AppDir  string `mapstructure:"appDir"`
	Version string `mapstructure:"version"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerBaseURL returns the HTTP base URL for the given host.
func (c *AgentClientConfig) ServerBaseURL(host string) string {
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

func defaultAppDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "openfleet-agent")
	}
	return ".openfleet-agent"
}

// LoadAgent reads the agent configuration from environment variables,
// an optional agent.yaml, and defaults.
func LoadAgent() (*AgentClientConfig, error) {
	v := viper.New()

	v.SetDefault("primaryHost", "localhost")
	v.SetDefault("fallbackHost", "")
	v.SetDefault("port", 8000)
	v.SetDefault("token", "")
	v.SetDefault("appDir", defaultAppDir())
	v.SetDefault("version", "dev")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetEnvPrefix("OPENFLEET_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy deployment env vars shared with the server side.
	_ = v.BindEnv("primaryHost", "SERVER_IP", "OPENFLEET_AGENT_PRIMARY_HOST")
	_ = v.BindEnv("fallbackHost", "FALLBACK_IP", "OPENFLEET_AGENT_FALLBACK_HOST")
	_ = v.BindEnv("port", "BACKEND_PORT", "OPENFLEET_AGENT_PORT")
	_ = v.BindEnv("token", "AGENT_TOKEN", "OPENFLEET_AGENT_TOKEN")

	v.SetConfigName("agent")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openfleet/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg AgentClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	var errs []string
	if cfg.Token == "" {
		errs = append(errs, "token is required (set AGENT_TOKEN)")
	}
	if cfg.PrimaryHost == "" {
		errs = append(errs, "primaryHost is required (set SERVER_IP)")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}

	return &cfg, nil
}
