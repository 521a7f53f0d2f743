package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models khata.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Lease struct {
		TTL            Duration `yaml:"ttl"`
		ScanWindow     int      `yaml:"scan_window"`
		CompareAndSwap bool     `yaml:"compare_and_swap"`
	} `yaml:"lease"`
	Aggregation struct {
		PollInterval   Duration `yaml:"poll_interval"`
		RepairInterval Duration `yaml:"repair_interval"`
	} `yaml:"aggregation"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		CORS     struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"cors"`
	} `yaml:"server"`
	Auth struct {
		AllowLegacyWorkerHeader bool `yaml:"allow_legacy_worker_header"`
		DevLogin                bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
	Broker   struct {
		URL        string `yaml:"url"`
		Exchange   string `yaml:"exchange"`
		Queue      string `yaml:"queue"`
		RoutingKey string `yaml:"routing_key"`
	} `yaml:"broker"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

// Webhook is a relay target for change events.
type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Duration wraps time.Duration so it can be written as "40m" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with khata init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("config.lease.ttl must be positive")
	}
	if c.Lease.ScanWindow <= 0 {
		return fmt.Errorf("config.lease.scan_window must be positive")
	}
	if c.Aggregation.PollInterval <= 0 {
		return fmt.Errorf("config.aggregation.poll_interval must be positive")
	}
	if c.Aggregation.RepairInterval < 0 {
		return fmt.Errorf("config.aggregation.repair_interval must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if c.Broker.URL != "" && c.Broker.Exchange == "" {
		return fmt.Errorf("config.broker.exchange is required when broker.url is set")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("config.logging.level %q is not a known level", c.Logging.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "khata.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// of the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func absOrSelf(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return workspace
	}
	return abs
}

const defaultTemplate = `project:
  id: %s

lease:
  ttl: 40m
  scan_window: 20
  compare_and_swap: true

aggregation:
  poll_interval: 2s
  repair_interval: 5m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  cors:
    allowed_origins: ["*"]

auth:
  allow_legacy_worker_header: false
  dev_login: false

webhooks: []

broker:
  url: ""
  exchange: khata.events
  queue: ""
  routing_key: item.changed

logging:
  level: info
  pretty: true
`
