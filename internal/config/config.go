package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

const (
	DefaultAPIPort     = 8080
	DefaultBrokerURL   = "tcp://localhost:1883"
	DefaultTopicPrefix = "constellation"
)

// Config is the versioned constellation.yaml file.
type Config struct {
	Version      int                `yaml:"version"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Network      NetworkConfig      `yaml:"network"`
	Devices      []DeviceConfig     `yaml:"devices"`
}

type OrchestratorConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	ExecutionTimeout    time.Duration `yaml:"execution_timeout"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	DispatchWaitTimeout time.Duration `yaml:"dispatch_wait_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ProposeTimeout      time.Duration `yaml:"propose_timeout"`
	InboxSize           int           `yaml:"inbox_size"`

	// PlannerURL enables graph evolution through an HTTP planner.
	PlannerURL string `yaml:"planner_url"`
}

type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type NetworkConfig struct {
	APIPort int `yaml:"api_port"`
}

// DeviceConfig declares a device that is registered at startup, before it
// announces itself.
type DeviceConfig struct {
	ID           string   `yaml:"id"`
	Platform     string   `yaml:"platform"`
	Capabilities []string `yaml:"capabilities"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and environment overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse constellation.yaml")
	}

	if cfg.Version != 1 {
		return nil, errors.Errorf("unsupported constellation.yaml version: %d", cfg.Version)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv loads a .env file if present. A missing file is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(existing...), "load .env")
}

func (c *Config) applyDefaults() {
	d := orchestrator.DefaultConfig()
	o := &c.Orchestrator
	if o.MaxAttempts == 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.DispatchTimeout == 0 {
		o.DispatchTimeout = d.DispatchTimeout
	}
	if o.ExecutionTimeout == 0 {
		o.ExecutionTimeout = d.ExecutionTimeout
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.DispatchWaitTimeout == 0 {
		o.DispatchWaitTimeout = d.DispatchWaitTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ProposeTimeout == 0 {
		o.ProposeTimeout = 30 * time.Second
	}
	if o.InboxSize == 0 {
		o.InboxSize = d.InboxSize
	}

	if url := os.Getenv("CONSTELLATION_PLANNER_URL"); url != "" {
		o.PlannerURL = url
	}

	if c.MQTT.BrokerURL == "" {
		c.MQTT.BrokerURL = DefaultBrokerURL
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		c.MQTT.BrokerURL = url
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "constellation"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}

	if c.Network.APIPort == 0 {
		c.Network.APIPort = DefaultAPIPort
	}
}

// Validate rejects values the orchestrator cannot run with.
func (c *Config) Validate() error {
	var problems []string
	o := c.Orchestrator
	if o.MaxAttempts < 1 {
		problems = append(problems, "orchestrator.max_attempts must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"dispatch_timeout":      o.DispatchTimeout,
		"execution_timeout":     o.ExecutionTimeout,
		"heartbeat_timeout":     o.HeartbeatTimeout,
		"dispatch_wait_timeout": o.DispatchWaitTimeout,
		"poll_interval":         o.PollInterval,
		"propose_timeout":       o.ProposeTimeout,
	} {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("orchestrator.%s must not be negative", name))
		}
	}
	if o.InboxSize < 1 {
		problems = append(problems, "orchestrator.inbox_size must be at least 1")
	}
	if c.Network.APIPort < 1 || c.Network.APIPort > 65535 {
		problems = append(problems, fmt.Sprintf("network.api_port out of range: %d", c.Network.APIPort))
	}

	seen := make(map[string]bool)
	for i, dev := range c.Devices {
		switch {
		case strings.TrimSpace(dev.ID) == "":
			problems = append(problems, fmt.Sprintf("devices[%d]: id is required", i))
		case seen[dev.ID]:
			problems = append(problems, fmt.Sprintf("devices[%d]: duplicate id %s", i, dev.ID))
		}
		seen[dev.ID] = true
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Runtime returns the orchestrator limits.
func (c *Config) Runtime() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		MaxAttempts:         o.MaxAttempts,
		DispatchTimeout:     o.DispatchTimeout,
		ExecutionTimeout:    o.ExecutionTimeout,
		HeartbeatTimeout:    o.HeartbeatTimeout,
		DispatchWaitTimeout: o.DispatchWaitTimeout,
		PollInterval:        o.PollInterval,
		InboxSize:           o.InboxSize,
	}
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *Config) APIPort() int {
	if c.Network.APIPort == 0 {
		return DefaultAPIPort
	}
	return c.Network.APIPort
}
