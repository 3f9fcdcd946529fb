// Package config loads the YAML/JSON configuration for the worker and
// CLI processes, adapted from the teacher's internal/config.Config:
// same load-with-env-substitution shape, gasoline's own section names.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document for cmd/gasoline-worker and gasolinectl.
type Config struct {
	Store    StoreConfig    `json:"store" yaml:"store"`
	PubSub   PubSubConfig   `json:"pubsub" yaml:"pubsub"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	GC       GCConfig       `json:"gc" yaml:"gc"`
	Activity ActivityConfig `json:"activity" yaml:"activity"`
}

// StoreConfig selects and parameterizes the durable store driver (C1).
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite, postgres, etcd

	// sqlstore
	DSN string `json:"dsn" yaml:"dsn"`

	// kvstore
	EtcdEndpoints []string      `json:"etcd_endpoints" yaml:"etcd_endpoints"`
	EtcdPrefix    string        `json:"etcd_prefix" yaml:"etcd_prefix"`
	EtcdTimeout   time.Duration `json:"etcd_timeout" yaml:"etcd_timeout"`
}

// PubSubConfig selects the completion/signal transport driver.
type PubSubConfig struct {
	Driver string   `json:"driver" yaml:"driver"` // mem, nats
	URL    string   `json:"url" yaml:"url"`
	Token  string   `json:"token" yaml:"token"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}

// WorkerConfig tunes the C6 worker instance loop.
type WorkerConfig struct {
	WorkerInstanceID string        `json:"worker_instance_id" yaml:"worker_instance_id"`
	Names            []string      `json:"names" yaml:"names"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PingInterval     time.Duration `json:"ping_interval" yaml:"ping_interval"`
	PullLimit        int           `json:"pull_limit" yaml:"pull_limit"`
	DrainTimeout     time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// GCConfig tunes the C7 sweep.
type GCConfig struct {
	Interval      time.Duration `json:"interval" yaml:"interval"`
	LostThreshold time.Duration `json:"lost_threshold" yaml:"lost_threshold"`
}

// ActivityConfig tunes the C4 retry policy applied to every activity.
type ActivityConfig struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
}

// Load reads path, substitutes ${VAR} / ${VAR:-default} environment
// references, and decodes as YAML, falling back to JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := SubstituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		if jsonErr := json.Unmarshal([]byte(content), &cfg); jsonErr != nil {
			return nil, fmt.Errorf("decode config file (tried YAML and JSON): %w", err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.PubSub.Driver == "" {
		cfg.PubSub.Driver = "mem"
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = time.Second
	}
	if cfg.Worker.PingInterval <= 0 {
		cfg.Worker.PingInterval = 5 * time.Second
	}
	if cfg.Worker.PullLimit <= 0 {
		cfg.Worker.PullLimit = 10
	}
	if cfg.Worker.DrainTimeout <= 0 {
		cfg.Worker.DrainTimeout = 10 * time.Second
	}
	if cfg.GC.Interval <= 0 {
		cfg.GC.Interval = 15 * time.Second
	}
	if cfg.GC.LostThreshold <= 0 {
		cfg.GC.LostThreshold = 30 * time.Second
	}
	if cfg.Activity.MaxRetries <= 0 {
		cfg.Activity.MaxRetries = 5
	}
	if cfg.Activity.InitialInterval <= 0 {
		cfg.Activity.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Activity.MaxInterval <= 0 {
		cfg.Activity.MaxInterval = 10 * time.Second
	}
	if cfg.Activity.Timeout <= 0 {
		cfg.Activity.Timeout = 30 * time.Second
	}
}

// Save writes cfg back out as YAML, used by `gasolinectl config init`.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

var envRegex = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} and ${VAR:-default} references.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		if val, ok := os.LookupEnv(matches[1]); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}
