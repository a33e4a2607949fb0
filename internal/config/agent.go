package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Agent is the agent host configuration.
type Agent struct {
	RelayURL          string        `toml:"relay_url"`
	Name              string        `toml:"name"`
	Workdir           string        `toml:"workdir"`
	AllowRoots        []string      `toml:"allow_roots"`
	Command           string        `toml:"command"`
	Args              []string      `toml:"args"`
	HeartbeatInterval Duration      `toml:"heartbeat_interval"`
	BackoffMin        Duration      `toml:"backoff_min"`
	BackoffMax        Duration      `toml:"backoff_max"`
	StopGrace         Duration      `toml:"stop_grace"`
	ShowQR            bool          `toml:"show_qr"`
	TLSSkipVerify     bool          `toml:"tls_skip_verify"`
	Logging           LoggingConfig `toml:"logging"`
}

func DefaultAgent() *Agent {
	name, _ := os.Hostname()
	wd, _ := os.Getwd()
	return &Agent{
		Name:              name,
		Workdir:           wd,
		Command:           "claude",
		HeartbeatInterval: Duration{30 * time.Second},
		BackoffMin:        Duration{time.Second},
		BackoffMax:        Duration{30 * time.Second},
		StopGrace:         Duration{5 * time.Second},
		ShowQR:            true,
		Logging:           LoggingConfig{Level: "info", Format: "auto"},
	}
}

// LoadAgent decodes path over the defaults. An empty path returns the
// defaults unvalidated so flags can still fill in relay_url.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	md, err := toml.Decode(expandEnvVars(string(data)), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

func (c *Agent) Validate() error {
	if c.RelayURL == "" {
		return errors.New("relay_url is required")
	}
	if c.Command == "" {
		return errors.New("command is required")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.BackoffMin.Duration <= 0 || c.BackoffMax.Duration < c.BackoffMin.Duration {
		return fmt.Errorf("backoff_min (%s) must be positive and not above backoff_max (%s)",
			c.BackoffMin.Duration, c.BackoffMax.Duration)
	}
	return nil
}
