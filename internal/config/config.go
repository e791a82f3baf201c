// Package config loads the settings of the three services from an optional
// YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coffersTech/logflow/internal/errors"
)

// Config is the root of the configuration file.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Processor ProcessorConfig `yaml:"processor"`
	Storage   StorageConfig   `yaml:"storage"`
}

// BrokerConfig locates the queue and bounds the connection and delivery
// behaviour shared by ingress and processors.
type BrokerConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
	// ConnectAttempts and ConnectDelay bound the startup connection
	// retry. Zero attempts uses the per-service default.
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
	Prefetch        int           `yaml:"prefetch"`
	AckWait         time.Duration `yaml:"ack_wait"`
	ConsumerName    string        `yaml:"consumer_name"`
}

// IngressConfig configures the submission API.
type IngressConfig struct {
	Addr string `yaml:"addr"`
}

// ProcessorConfig configures a processor and how it reaches storage.
type ProcessorConfig struct {
	// ID is stamped on processed entries; "auto" generates one.
	ID             string        `yaml:"id"`
	StorageURL     string        `yaml:"storage_url"`
	StorageTimeout time.Duration `yaml:"storage_timeout"`
	// MaxDeliveries drops a failing message after that many attempts.
	// Zero requeues forever.
	MaxDeliveries int `yaml:"max_deliveries"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig configures the storage service and its record directory.
type StorageConfig struct {
	Addr          string        `yaml:"addr"`
	Dir           string        `yaml:"dir"`
	Recover       bool          `yaml:"recover"`
	Retention     time.Duration `yaml:"retention"`
	CleanInterval time.Duration `yaml:"clean_interval"`
}

// Default connection attempts per side.
const (
	ProcessorConnectAttempts = 10
	IngressConnectAttempts   = 5
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:          "nats://localhost:4222",
			Queue:        "logs",
			ConnectDelay: 5 * time.Second,
			Prefetch:     1,
			AckWait:      30 * time.Second,
			ConsumerName: "logs-processor",
		},
		Ingress: IngressConfig{
			Addr: ":5000",
		},
		Processor: ProcessorConfig{
			ID:             "processor-1",
			StorageURL:     "http://localhost:5002",
			StorageTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Addr:          ":5002",
			Dir:           "/data/logs",
			CleanInterval: time.Hour,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "Load", "parse config file")
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables read by Load.
const (
	EnvBrokerURL     = "LOGFLOW_BROKER_URL"
	EnvQueue         = "LOGFLOW_QUEUE"
	EnvStorageURL    = "LOGFLOW_STORAGE_URL"
	EnvStorageDir    = "LOGFLOW_STORAGE_DIR"
	EnvProcessorID   = "LOGFLOW_PROCESSOR_ID"
	EnvMaxDeliveries = "LOGFLOW_MAX_DELIVERIES"
)

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvBrokerURL:   &c.Broker.URL,
		EnvQueue:       &c.Broker.Queue,
		EnvStorageURL:  &c.Processor.StorageURL,
		EnvStorageDir:  &c.Storage.Dir,
		EnvProcessorID: &c.Processor.ID,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(EnvMaxDeliveries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %s=%q", errors.ErrInvalidConfig, EnvMaxDeliveries, v), "config", "applyEnv", "parse environment")
		}
		c.Processor.MaxDeliveries = n
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Broker.URL != "", "broker.url is empty")
	check(c.Broker.Queue != "" && !strings.ContainsAny(c.Broker.Queue, " .*>"), "broker.queue must be a non-empty name without spaces, dots or wildcards")
	check(c.Broker.ConnectAttempts >= 0, "broker.connect_attempts is negative")
	check(c.Broker.ConnectDelay >= 0, "broker.connect_delay is negative")
	check(c.Broker.Prefetch > 0, "broker.prefetch must be positive")
	check(c.Broker.AckWait > 0, "broker.ack_wait must be positive")
	check(c.Broker.ConsumerName != "", "broker.consumer_name is empty")
	check(c.Processor.StorageURL != "", "processor.storage_url is empty")
	check(c.Processor.StorageTimeout > 0, "processor.storage_timeout must be positive")
	check(c.Processor.MaxDeliveries >= 0, "processor.max_deliveries is negative")
	check(c.Storage.Dir != "", "storage.dir is empty")
	check(c.Storage.Retention >= 0, "storage.retention is negative")
	check(c.Storage.Retention == 0 || c.Storage.CleanInterval > 0, "storage.clean_interval must be positive when retention is set")

	if len(problems) > 0 {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")), "config", "Validate", "validate config")
	}
	return nil
}

// Attempts returns the configured attempt count or def when unset.
func (b BrokerConfig) Attempts(def int) int {
	if b.ConnectAttempts > 0 {
		return b.ConnectAttempts
	}
	return def
}
