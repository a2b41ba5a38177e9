package config

import "time"

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// ChatterConfig controls the heartbeat traffic generator used to exercise a
// connected pair.
type ChatterConfig struct {
	Enable   bool          `mapstructure:"enable" yaml:"enable"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Codec: json, cbor or proto
	Codec string `mapstructure:"codec" yaml:"codec"`
}
