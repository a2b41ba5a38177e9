// Package config provides YAML-based configuration loading for autolink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// NodeName is a human readable name used in logs and instance names.
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Roles     RolesConfig     `mapstructure:"roles" yaml:"roles"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Chatter   ChatterConfig   `mapstructure:"chatter" yaml:"chatter"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "autolink"
	}
	return &Config{
		NodeName: host,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Service: ServiceConfig{
			Type:   "_autolink._tcp",
			Domain: "local.",
			Port:   11111,
		},
		Discovery: DiscoveryConfig{
			Backend:        "mdns",
			Timeout:        10 * time.Second,
			RandomFactor:   0.25,
			Randomize:      true,
			ResolveTimeout: 3 * time.Second,
		},
		Roles:     RolesConfig{Server: true},
		Transport: TransportConfig{Kind: "tcp"},
		Pipeline: PipelineConfig{
			QueueSize:     128,
			MaxFrameBytes: 1 << 24,
		},
		Metrics: MetricsConfig{Listen: ":9464"},
		Chatter: ChatterConfig{
			Interval: 2 * time.Second,
			Codec:    "json",
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix AUTOLINK and `.`/`-` are replaced with `_`.
// Example: AUTOLINK_DISCOVERY_TIMEOUT=5s
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AUTOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("AUTOLINK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("autolink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".autolink"))
		}
	}

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed every key so env-only configs work with AutomaticEnv
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node_name", cfg.NodeName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("service.type", cfg.Service.Type)
	v.SetDefault("service.domain", cfg.Service.Domain)
	v.SetDefault("service.port", cfg.Service.Port)
	v.SetDefault("service.instance", cfg.Service.Instance)
	v.SetDefault("service.host", cfg.Service.Host)
	v.SetDefault("discovery.backend", cfg.Discovery.Backend)
	v.SetDefault("discovery.timeout", cfg.Discovery.Timeout)
	v.SetDefault("discovery.random_factor", cfg.Discovery.RandomFactor)
	v.SetDefault("discovery.randomize", cfg.Discovery.Randomize)
	v.SetDefault("discovery.resolve_timeout", cfg.Discovery.ResolveTimeout)
	v.SetDefault("discovery.interfaces", cfg.Discovery.Interfaces)
	v.SetDefault("discovery.ipv6", cfg.Discovery.IPv6)
	v.SetDefault("roles.server", cfg.Roles.Server)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("pipeline.queue_size", cfg.Pipeline.QueueSize)
	v.SetDefault("pipeline.max_frame_bytes", cfg.Pipeline.MaxFrameBytes)
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("chatter.enable", cfg.Chatter.Enable)
	v.SetDefault("chatter.interval", cfg.Chatter.Interval)
	v.SetDefault("chatter.codec", cfg.Chatter.Codec)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeName) == "" {
		c.NodeName = "autolink"
	}

	if c.Service.Type == "" {
		return errors.New("service.type must be set")
	}
	if c.Service.Port < 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service.port: %d", c.Service.Port)
	}

	c.Discovery.Backend = strings.ToLower(strings.TrimSpace(c.Discovery.Backend))
	if c.Discovery.Backend != "mdns" {
		return fmt.Errorf("invalid discovery.backend: %q", c.Discovery.Backend)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive, got %s", c.Discovery.Timeout)
	}
	if c.Discovery.RandomFactor < 0 || c.Discovery.RandomFactor >= 1 {
		return fmt.Errorf("discovery.random_factor must be in [0,1), got %v", c.Discovery.RandomFactor)
	}
	if c.Discovery.ResolveTimeout <= 0 {
		return fmt.Errorf("discovery.resolve_timeout must be positive, got %s", c.Discovery.ResolveTimeout)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind != "tcp" {
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}

	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.MaxFrameBytes <= 0 {
		return fmt.Errorf("pipeline.max_frame_bytes must be positive, got %d", c.Pipeline.MaxFrameBytes)
	}

	c.Chatter.Codec = strings.ToLower(strings.TrimSpace(c.Chatter.Codec))
	switch c.Chatter.Codec {
	case "json", "cbor", "proto":
	default:
		return fmt.Errorf("invalid chatter.codec: %q", c.Chatter.Codec)
	}
	if c.Chatter.Enable && c.Chatter.Interval <= 0 {
		return fmt.Errorf("chatter.interval must be positive, got %s", c.Chatter.Interval)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
