package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	NATS       NATSConfig       `yaml:"nats"`
	Stream     StreamConfig     `yaml:"stream"`
	Forwarder  ForwarderConfig  `yaml:"forwarder"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Vault      VaultConfig      `yaml:"vault"`
	Logger     LoggerConfig     `yaml:"logger"`
}

// NATSConfig represents the broker connection configuration
type NATSConfig struct {
	URL            string        `yaml:"url" envconfig:"NATS_SERVER"`
	User           string        `yaml:"user" envconfig:"NATS_USER"`
	Password       string        `yaml:"password" envconfig:"NATS_PASSWORD"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"NATS_CONNECT_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" envconfig:"NATS_PING_INTERVAL"`
	MaxPingsOut    int           `yaml:"max_pings_out" envconfig:"NATS_MAX_PINGS_OUT"`

	// Vault path for credentials (optional)
	VaultPath string `yaml:"vault_path" envconfig:"NATS_VAULT_PATH"`
}

// StreamConfig represents the JetStream stream and subject configuration
type StreamConfig struct {
	Name          string   `yaml:"name" envconfig:"NATS_JS_STREAM"`
	Subjects      []string `yaml:"subjects" envconfig:"NATS_JS_SUBJECTS"`
	DurablePrefix string   `yaml:"durable_prefix" envconfig:"NATS_JS_DURABLE"`
}

// ForwarderConfig represents the consuming side configuration
type ForwarderConfig struct {
	MaxRedeliveries    uint64        `yaml:"max_redeliveries" envconfig:"MAX_REDELIVERIES"`
	InitReconnectDelay time.Duration `yaml:"init_reconnect_delay" envconfig:"INIT_RECONNECT_DELAY"`
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay" envconfig:"MAX_RECONNECT_DELAY"`
	MaxConcurrent      int           `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT_MESSAGES"`
	AckWait            time.Duration `yaml:"ack_wait" envconfig:"ACK_WAIT"`
	MaxAckPending      int           `yaml:"max_ack_pending" envconfig:"MAX_ACK_PENDING"`
	QueueCapacity      int           `yaml:"queue_capacity" envconfig:"FORWARDER_QUEUE_CAPACITY"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// PublisherConfig represents the publishing side configuration
type PublisherConfig struct {
	InitReconnectDelay time.Duration `yaml:"init_reconnect_delay" envconfig:"PUBLISHER_INIT_RECONNECT_DELAY"`
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay" envconfig:"PUBLISHER_MAX_RECONNECT_DELAY"`
	PublishTimeout     time.Duration `yaml:"publish_timeout" envconfig:"PUBLISH_TIMEOUT"`
	QueueCapacity      int           `yaml:"queue_capacity" envconfig:"PUBLISHER_QUEUE_CAPACITY"`
	EnsureStream       *bool         `yaml:"ensure_stream" envconfig:"ENSURE_STREAM"`
}

// DownstreamConfig represents the HTTP API messages are forwarded to
type DownstreamConfig struct {
	URL     string        `yaml:"url" envconfig:"POST_API_URL"`
	Timeout time.Duration `yaml:"timeout" envconfig:"POST_TIMEOUT"`
}

// IngestConfig represents the HTTP ingest gateway configuration
type IngestConfig struct {
	Addr string `yaml:"addr" envconfig:"INGEST_ADDR"`
}

// VaultConfig represents HashiCorp Vault configuration
type VaultConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"VAULT_ENABLED"`
	Address   string `yaml:"address" envconfig:"VAULT_ADDR"`
	Token     string `yaml:"token" envconfig:"VAULT_TOKEN"`
	TokenPath string `yaml:"token_path" envconfig:"VAULT_TOKEN_PATH"`
	Namespace string `yaml:"namespace" envconfig:"VAULT_NAMESPACE"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level      string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format     string `yaml:"format" envconfig:"LOG_FORMAT"` // json or console
	OutputPath string `yaml:"output_path" envconfig:"LOG_OUTPUT_PATH"`
}

// Default returns the configuration with every knob at its sane default.
// A missing file and an empty environment must still produce a runnable config.
func Default() *Config {
	ensureStream := true
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectTimeout: 10 * time.Second,
			PingInterval:   10 * time.Second,
			MaxPingsOut:    5,
		},
		Stream: StreamConfig{
			Name:          "PREDICTIONS",
			Subjects:      []string{"anomalies"},
			DurablePrefix: "jetrelay",
		},
		Forwarder: ForwarderConfig{
			MaxRedeliveries:    5,
			InitReconnectDelay: 2 * time.Second,
			MaxReconnectDelay:  30 * time.Second,
			MaxConcurrent:      5,
			AckWait:            30 * time.Second,
			MaxAckPending:      0, // derived from MaxConcurrent when zero
			QueueCapacity:      1000,
			ShutdownTimeout:    10 * time.Second,
		},
		Publisher: PublisherConfig{
			InitReconnectDelay: 1 * time.Second,
			MaxReconnectDelay:  30 * time.Second,
			PublishTimeout:     5 * time.Second,
			QueueCapacity:      1000,
			EnsureStream:       &ensureStream,
		},
		Downstream: DownstreamConfig{
			URL:     "http://localhost:8080/alerts",
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			Addr: ":8081",
		},
		Vault: VaultConfig{
			Address: "http://localhost:8200",
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

// Load loads configuration from file and environment variables.
// Precedence: environment variables over file values over defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Only variables actually present in the environment override; the
	// struct carries no envconfig defaults so unset variables leave the
	// file/default values alone.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true) // Strict parsing

	if err := decoder.Decode(cfg); err != nil {
		return err
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	if c.Stream.Name == "" {
		return fmt.Errorf("stream name is required")
	}

	if len(c.Stream.Subjects) == 0 {
		return fmt.Errorf("at least one subject is required")
	}

	if c.Forwarder.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent messages must be positive: %d", c.Forwarder.MaxConcurrent)
	}

	if c.Forwarder.QueueCapacity <= 0 || c.Publisher.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}

	if c.Publisher.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be positive")
	}

	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("vault address is required when vault is enabled")
	}

	return nil
}

// ShouldEnsureStream reports whether the publisher provisions the stream.
func (c *PublisherConfig) ShouldEnsureStream() bool {
	return c.EnsureStream == nil || *c.EnsureStream
}

// GetVaultToken returns the Vault token from config or file
func (c *VaultConfig) GetVaultToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}

	if c.TokenPath != "" {
		token, err := os.ReadFile(c.TokenPath)
		if err != nil {
			return "", fmt.Errorf("failed to read vault token from file: %w", err)
		}
		return string(token), nil
	}

	return "", fmt.Errorf("vault token not configured")
}
