package pollbuffer

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultMaxMessagesPerPoll = 10
	defaultMaxBufferSize      = 100
	defaultMaxWait            = 300 * time.Second
	defaultInitialBackoff     = 1 * time.Second
	defaultMaxBackoff         = 30 * time.Second
	defaultAckTimeout         = 30 * time.Second

	// deleteChunkSize matches the largest batch most queue services accept
	// in a single delete call.
	deleteChunkSize = 10
)

// Config holds configuration for the BufferedPoller.
type Config struct {
	// QueueID identifies the queue being polled (a queue URL, subscription or list key).
	QueueID string `yaml:"queue_id"`
	// MaxMessagesPerPoll is the maximum number of messages requested per receive.
	MaxMessagesPerPoll int `yaml:"max_messages_per_poll"`
	// MaxBufferSize is the buffer length at which a flush is forced.
	MaxBufferSize int `yaml:"max_buffer_size"`
	// MaxWait is how long buffered messages may wait for a flush.
	MaxWait time.Duration `yaml:"max_wait"`
	// SkipDelete stops the poll client from deleting each batch on receipt,
	// leaving acknowledgement to the flush. Turning it off gives up at-least-once delivery.
	SkipDelete bool `yaml:"skip_delete"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// AckTimeout bounds each delete call made while flushing.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// DefaultConfig returns a Config populated with the standard defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxMessagesPerPoll: defaultMaxMessagesPerPoll,
		MaxBufferSize:      defaultMaxBufferSize,
		MaxWait:            defaultMaxWait,
		SkipDelete:         true,
		InitialBackoff:     defaultInitialBackoff,
		MaxBackoff:         defaultMaxBackoff,
		AckTimeout:         defaultAckTimeout,
	}
}

// LoadConfigFromEnv loads poller configuration from environment variables,
// starting from DefaultConfig. POLLBUFFER_QUEUE_ID is required.
func LoadConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.QueueID == "" {
		return nil, errors.New("POLLBUFFER_QUEUE_ID environment variable not set")
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every POLLBUFFER_* variable that is set.
// Unset variables leave cfg untouched; malformed values are reported together.
func ApplyEnv(cfg *Config) error {
	var errs []error
	if v := os.Getenv("POLLBUFFER_QUEUE_ID"); v != "" {
		cfg.QueueID = v
	}
	if v := os.Getenv("POLLBUFFER_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMessagesPerPoll = n
		} else {
			errs = append(errs, fmt.Errorf("invalid POLLBUFFER_MAX_MESSAGES %q: %w", v, err))
		}
	}
	if v := os.Getenv("POLLBUFFER_MAX_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBufferSize = n
		} else {
			errs = append(errs, fmt.Errorf("invalid POLLBUFFER_MAX_BUFFER_SIZE %q: %w", v, err))
		}
	}
	if v := os.Getenv("POLLBUFFER_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxWait = d
		} else {
			errs = append(errs, fmt.Errorf("invalid POLLBUFFER_MAX_WAIT %q: %w", v, err))
		}
	}
	if v := os.Getenv("POLLBUFFER_SKIP_DELETE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SkipDelete = b
		} else {
			errs = append(errs, fmt.Errorf("invalid POLLBUFFER_SKIP_DELETE %q: %w", v, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}
