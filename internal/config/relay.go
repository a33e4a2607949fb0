// Package config loads the relay's YAML and the agent's TOML configuration.
// Environment variables written as ${VAR_NAME} are expanded in both.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay is the complete relay configuration.
type Relay struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// RelayConfig holds connection timing and buffer limits.
type RelayConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`

	ScrollbackBytes    int   `yaml:"scrollback_bytes"`
	MaxMessageBytes    int64 `yaml:"max_message_bytes"`
	SendQueue          int   `yaml:"send_queue"`
	RegisterRatePerMin int   `yaml:"register_rate_per_min"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

func DefaultRelay() *Relay {
	return &Relay{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Relay: RelayConfig{
			HeartbeatInterval:  30 * time.Second,
			HeartbeatTimeout:   90 * time.Second,
			SweepInterval:      5 * time.Second,
			ScrollbackBytes:    64 << 10,
			MaxMessageBytes:    1 << 20,
			SendQueue:          256,
			RegisterRatePerMin: 30,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// LoadRelay reads path over the defaults. An empty path returns the
// defaults.
func LoadRelay(path string) (*Relay, error) {
	cfg := DefaultRelay()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Relay) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", c.Relay.HeartbeatIntervalRaw, &c.Relay.HeartbeatInterval},
		{"heartbeat_timeout", c.Relay.HeartbeatTimeoutRaw, &c.Relay.HeartbeatTimeout},
		{"sweep_interval", c.Relay.SweepIntervalRaw, &c.Relay.SweepInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate returns the first invalid setting it finds.
func (c *Relay) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", p)
			}
		}
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("relay.heartbeat_interval must be positive")
	}
	if c.Relay.HeartbeatTimeout < 2*c.Relay.HeartbeatInterval {
		return fmt.Errorf("relay.heartbeat_timeout (%s) must be at least twice relay.heartbeat_interval (%s)",
			c.Relay.HeartbeatTimeout, c.Relay.HeartbeatInterval)
	}
	if c.Relay.SweepInterval <= 0 || c.Relay.SweepInterval > c.Relay.HeartbeatTimeout {
		return fmt.Errorf("relay.sweep_interval must be positive and not above heartbeat_timeout")
	}
	if c.Relay.ScrollbackBytes < 0 {
		return fmt.Errorf("relay.scrollback_bytes must not be negative")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be positive")
	}
	if c.Relay.SendQueue <= 0 {
		return fmt.Errorf("relay.send_queue must be positive")
	}
	return nil
}

func (c *Relay) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with an
// empty string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
