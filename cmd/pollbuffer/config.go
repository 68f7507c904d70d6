package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-pollbuffer/pkg/pollbuffer"
	"github.com/illmade-knight/go-pollbuffer/pkg/queuepoller"
	"gopkg.in/yaml.v3"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendPubsub = "pubsub"

	defaultMemoryQueueID = "pollbuffer-local"
)

// AppConfig is the full configuration of the pollbuffer service.
type AppConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "console" or "json"
	MetricsAddr string `yaml:"metrics_addr"`
	// DrainTimeout bounds how long a graceful stop may take before polling is aborted.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	Backend      string        `yaml:"backend"`

	Poller            pollbuffer.Config `yaml:"poller"`
	EmptyReceiveDelay time.Duration     `yaml:"empty_receive_delay"`

	Memory struct {
		WaitTime          time.Duration `yaml:"wait_time"`
		VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	} `yaml:"memory"`
	Redis  queuepoller.RedisQueueConfig `yaml:"redis"`
	Pubsub struct {
		queuepoller.PubsubReceiverConfig `yaml:",inline"`
		// TopicID is only needed when the load generator publishes to Pub/Sub.
		TopicID string `yaml:"topic_id"`
	} `yaml:"pubsub"`

	LoadGen struct {
		Enabled  bool          `yaml:"enabled"`
		Sources  int           `yaml:"sources"`
		Rate     float64       `yaml:"rate"`
		Duration time.Duration `yaml:"duration"`
		Body     string        `yaml:"body"`
	} `yaml:"loadgen"`
}

func defaultAppConfig() *AppConfig {
	cfg := &AppConfig{
		LogLevel:     "info",
		LogFormat:    "console",
		MetricsAddr:  ":9090",
		DrainTimeout: 30 * time.Second,
		Backend:      backendMemory,
		Poller:       *pollbuffer.DefaultConfig(),
	}
	cfg.Memory.WaitTime = time.Second
	cfg.Memory.VisibilityTimeout = 30 * time.Second
	cfg.Redis.Addr = "localhost:6379"
	cfg.LoadGen.Sources = 1
	cfg.LoadGen.Rate = 10
	return cfg
}

// LoadAppConfig reads the YAML file at path (if path is not empty) over the
// defaults, then applies environment overrides and validates the result.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := defaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("POLLBUFFER_LOG_LEVEL", &cfg.LogLevel)
	setString("POLLBUFFER_LOG_FORMAT", &cfg.LogFormat)
	setString("POLLBUFFER_METRICS_ADDR", &cfg.MetricsAddr)
	setString("POLLBUFFER_BACKEND", &cfg.Backend)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("GCP_PROJECT_ID", &cfg.Pubsub.ProjectID)
	setString("PUBSUB_SUBSCRIPTION_ID", &cfg.Pubsub.SubscriptionID)
	setString("PUBSUB_TOPIC_ID", &cfg.Pubsub.TopicID)
	setString("GCP_PUBSUB_CREDENTIALS_FILE", &cfg.Pubsub.CredentialsFile)

	if err := pollbuffer.ApplyEnv(&cfg.Poller); err != nil {
		return err
	}
	if v := os.Getenv("POLLBUFFER_LOADGEN_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid POLLBUFFER_LOADGEN_ENABLED %q: %w", v, err)
		}
		cfg.LoadGen.Enabled = b
	}
	return nil
}

func (c *AppConfig) validate() error {
	switch c.Backend {
	case backendMemory:
		if c.Poller.QueueID == "" {
			c.Poller.QueueID = defaultMemoryQueueID
		}
	case backendRedis:
		if c.Poller.QueueID == "" {
			c.Poller.QueueID = c.Redis.QueueKey
		}
		if c.Redis.QueueKey == "" {
			c.Redis.QueueKey = c.Poller.QueueID
		}
		if c.Redis.QueueKey == "" {
			return fmt.Errorf("validation error: redis backend needs redis.queue_key or poller.queue_id")
		}
	case backendPubsub:
		if c.Pubsub.ProjectID == "" || c.Pubsub.SubscriptionID == "" {
			return fmt.Errorf("validation error: pubsub backend needs project_id and subscription_id")
		}
		if c.Poller.QueueID == "" {
			c.Poller.QueueID = c.Pubsub.SubscriptionID
		}
		if c.LoadGen.Enabled && c.Pubsub.TopicID == "" {
			return fmt.Errorf("validation error: loadgen on the pubsub backend needs topic_id")
		}
	default:
		return fmt.Errorf("validation error: unknown backend %q (want memory, redis or pubsub)", c.Backend)
	}
	if c.Poller.QueueID == "" {
		return fmt.Errorf("validation error: poller.queue_id is required")
	}
	return nil
}
