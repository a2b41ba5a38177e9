package config

import "time"

// ServiceConfig describes the advertised/browsed service.
// Example YAML:
// service:
//   type: _autolink._tcp
//   domain: local.
//   port: 11111
type ServiceConfig struct {
	// Type is the DNS-SD service type, without the domain.
	Type string `mapstructure:"type" yaml:"type"`
	// Domain is the DNS-SD browse/register domain.
	Domain string `mapstructure:"domain" yaml:"domain"`
	// Port the server role listens on and advertises. 0 picks a free port.
	Port int `mapstructure:"port" yaml:"port"`
	// Instance is the advertised instance name; empty derives one from node_name.
	Instance string `mapstructure:"instance" yaml:"instance"`
	// Host is the listen host for the server role (empty = all interfaces).
	Host string `mapstructure:"host" yaml:"host"`
}

// DiscoveryConfig controls peer discovery and role escalation.
type DiscoveryConfig struct {
	// Backend: mdns
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Timeout before a searching node also becomes a server.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RandomFactor jitters Timeout once per manager to T*(1±f).
	RandomFactor float64 `mapstructure:"random_factor" yaml:"random_factor"`
	// Randomize toggles the jitter.
	Randomize bool `mapstructure:"randomize" yaml:"randomize"`
	// ResolveTimeout bounds a single name resolution.
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
	// Interfaces restricts mDNS to the named interfaces (empty = all).
	Interfaces []string `mapstructure:"interfaces" yaml:"interfaces"`
	// IPv6 also resolves and advertises IPv6 addresses.
	IPv6 bool `mapstructure:"ipv6" yaml:"ipv6"`
}

// RolesConfig selects which roles the node may take.
type RolesConfig struct {
	// Server allows escalation to the server role.
	Server bool `mapstructure:"server" yaml:"server"`
}
