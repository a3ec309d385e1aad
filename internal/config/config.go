// Package config loads settings for the capture binaries from an optional
// YAML file, a .env file and the environment, in that order of precedence
// from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SinkLocal = "local"
	SinkHTTP  = "http"
	SinkKafka = "kafka"
)

const (
	defaultEventDir      = "/var/lib/capture/events"
	defaultDBPath        = "/data/capture.db"
	defaultPort          = "9090"
	defaultHTTPPort      = "8080"
	defaultControllerURL = "http://localhost:8080"
	defaultSyncInterval  = 30 * time.Second
	defaultRetryBase     = time.Second
	defaultRetryMax      = 5 * time.Minute
	defaultPurgeInterval = 10 * time.Minute
	defaultMaxBytes      = 512 << 20
	defaultMaxAge        = 30 * 24 * time.Hour
	defaultMinFreeBytes  = 16 << 20
	defaultKafkaTopic    = "capture.history"
)

type Retention struct {
	MaxBytes int64         `yaml:"max_bytes"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type Sink struct {
	Kind         string   `yaml:"kind"`
	URL          string   `yaml:"url"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type Config struct {
	EventDir      string        `yaml:"event_dir"`
	DBPath        string        `yaml:"db_path"`
	Port          string        `yaml:"port"`
	HTTPPort      string        `yaml:"http_port"`
	ControllerURL string        `yaml:"controller_url"`
	ConsulAddr    string        `yaml:"consul_addr"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	MinFreeBytes  uint64        `yaml:"min_free_bytes"`
	Retention     Retention     `yaml:"retention"`
	Sink          Sink          `yaml:"sink"`

	// Scanners are tools whose output is fed to the host registry.
	Scanners []string `yaml:"scanners"`
	// AllowedCommands replaces the default whitelist; "*" allows every
	// command that does not match a blocked pattern.
	AllowedCommands []string `yaml:"allowed_commands"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

func Default() *Config {
	return &Config{
		EventDir:      defaultEventDir,
		DBPath:        defaultDBPath,
		Port:          defaultPort,
		HTTPPort:      defaultHTTPPort,
		ControllerURL: defaultControllerURL,
		SyncInterval:  defaultSyncInterval,
		RetryBase:     defaultRetryBase,
		RetryMax:      defaultRetryMax,
		PurgeInterval: defaultPurgeInterval,
		MinFreeBytes:  defaultMinFreeBytes,
		Retention: Retention{
			MaxBytes: defaultMaxBytes,
			MaxAge:   defaultMaxAge,
		},
		Sink: Sink{
			Kind:       SinkLocal,
			KafkaTopic: defaultKafkaTopic,
		},
		Scanners: []string{"nmap"},
	}
}

// Load builds the configuration. path may be empty, in which case
// CAPTURE_CONFIG is consulted; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CAPTURE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.EventDir = getEnv("CAPTURE_EVENT_DIR", c.EventDir)
	c.DBPath = getEnv("CAPTURE_DB_PATH", c.DBPath)
	c.Port = getEnv("PORT", c.Port)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.ControllerURL = getEnv("CONTROLLER_URL", c.ControllerURL)
	c.ConsulAddr = getEnv("CONSUL_HTTP_ADDR", c.ConsulAddr)
	c.Sink.Kind = getEnv("CAPTURE_SINK", c.Sink.Kind)
	c.Sink.URL = getEnv("CAPTURE_SINK_URL", c.Sink.URL)
	c.Sink.KafkaTopic = getEnv("CAPTURE_KAFKA_TOPIC", c.Sink.KafkaTopic)
	c.Sink.KafkaBrokers = getEnvList("CAPTURE_KAFKA_BROKERS", c.Sink.KafkaBrokers)
	c.Scanners = getEnvList("CAPTURE_SCANNERS", c.Scanners)
	c.AllowedCommands = getEnvList("CAPTURE_ALLOWED_COMMANDS", c.AllowedCommands)

	var err error
	if c.SyncInterval, err = getEnvDuration("CAPTURE_SYNC_INTERVAL", c.SyncInterval); err != nil {
		return err
	}
	if c.Retention.MaxAge, err = getEnvDuration("CAPTURE_MAX_AGE", c.Retention.MaxAge); err != nil {
		return err
	}
	if v := os.Getenv("CAPTURE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CAPTURE_MAX_BYTES: %w", err)
		}
		c.Retention.MaxBytes = n
	}
	return nil
}

func (c *Config) Validate() error {
	if c.EventDir == "" {
		return errors.New("event directory is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval)
	}
	if c.PurgeInterval <= 0 {
		return fmt.Errorf("purge interval must be positive, got %s", c.PurgeInterval)
	}
	if c.Retention.MaxBytes < 0 || c.Retention.MaxAge < 0 {
		return errors.New("retention limits must not be negative")
	}

	switch c.Sink.Kind {
	case SinkLocal:
	case SinkHTTP:
		if c.Sink.URL == "" && c.ConsulAddr == "" {
			return errors.New("http sink needs CAPTURE_SINK_URL or CONSUL_HTTP_ADDR")
		}
	case SinkKafka:
		if len(c.Sink.KafkaBrokers) == 0 || c.Sink.KafkaTopic == "" {
			return errors.New("kafka sink needs CAPTURE_KAFKA_BROKERS and CAPTURE_KAFKA_TOPIC")
		}
	default:
		return fmt.Errorf("unknown sink %q", c.Sink.Kind)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
