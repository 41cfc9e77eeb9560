// Package config manages fleetbus runtime configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where fleetbus operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ServerConfig configures the ingress HTTP server.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`
	RateLimitPerSec   float64       `yaml:"rateLimitPerSec"`
	RateLimitBurst    int           `yaml:"rateLimitBurst"`
}

// TopicConfig sets worker concurrency and retry policy for one queue topic.
type TopicConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	BufferSize  int           `yaml:"bufferSize"`
}

// QueueConfig aggregates per-topic delivery queue settings.
type QueueConfig struct {
	Events             TopicConfig `yaml:"events"`
	Notifications      TopicConfig `yaml:"notifications"`
	Webhooks           TopicConfig `yaml:"webhooks"`
	DeadLetterRetained int         `yaml:"deadLetterRetained"`
}

// RelayConfig configures the external workflow webhook relay.
type RelayConfig struct {
	WebhookURL     string        `yaml:"webhookURL"`
	APIKey         string        `yaml:"apiKey"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	PostsPerSecond float64       `yaml:"postsPerSecond"`
	PostBurst      int           `yaml:"postBurst"`
}

// DuplexConfig configures the bidirectional websocket adapter.
type DuplexConfig struct {
	MaxConnections    int           `yaml:"maxConnections"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	AuthTimeout       time.Duration `yaml:"authTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	ReadLimit         int64         `yaml:"readLimit"`
}

// StreamConfig configures the one-way SSE adapter.
type StreamConfig struct {
	MaxConnections    int           `yaml:"maxConnections"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	BufferSize        int           `yaml:"bufferSize"`
}

// RegistryConfig configures subscription bookkeeping.
type RegistryConfig struct {
	MaxAge        time.Duration `yaml:"maxAge"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// TelemetryConfig carries OTLP exporter settings.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	ServiceName   string `yaml:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AuditConfig configures the audit-record store.
type AuditConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// Settings contains the fleetbus configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Queue       QueueConfig     `yaml:"queue"`
	Relay       RelayConfig     `yaml:"relay"`
	Duplex      DuplexConfig    `yaml:"duplex"`
	Stream      StreamConfig    `yaml:"stream"`
	Registry    RegistryConfig  `yaml:"registry"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Audit       AuditConfig     `yaml:"audit"`
}

// Default returns the default fleetbus configuration.
func Default() Settings {
	return Settings{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:              ":8192",
			ReadHeaderTimeout: 5 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateLimitPerSec:   50,
			RateLimitBurst:    100,
		},
		Queue: QueueConfig{
			Events: TopicConfig{
				Concurrency: 5,
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				MaxDelay:    30 * time.Second,
				BufferSize:  1024,
			},
			Notifications: TopicConfig{
				Concurrency: 10,
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				BufferSize:  1024,
			},
			Webhooks: TopicConfig{
				Concurrency: 3,
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				MaxDelay:    time.Minute,
				BufferSize:  512,
			},
			DeadLetterRetained: 256,
		},
		Relay: RelayConfig{
			WebhookURL:     "",
			APIKey:         "",
			RequestTimeout: 30 * time.Second,
			PostsPerSecond: 5,
			PostBurst:      5,
		},
		Duplex: DuplexConfig{
			MaxConnections:    1000,
			HeartbeatInterval: 30 * time.Second,
			AuthTimeout:       10 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReadLimit:         512 * 1024,
		},
		Stream: StreamConfig{
			MaxConnections:    500,
			KeepAliveInterval: 30 * time.Second,
			SweepInterval:     time.Minute,
			IdleTimeout:       5 * time.Minute,
			BufferSize:        64,
		},
		Registry: RegistryConfig{
			MaxAge:        24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			OTLPInsecure:  false,
			ServiceName:   "fleetbus",
			EnableMetrics: true,
		},
		Audit: AuditConfig{
			DSN:           "",
			MigrationsDir: "db/migrations",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("FLEETBUS_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_RELAY_WEBHOOK_URL")); v != "" {
		cfg.Relay.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_RELAY_API_KEY")); v != "" {
		cfg.Relay.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_RELAY_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Relay.RequestTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_AUDIT_DSN")); v != "" {
		cfg.Audit.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_DUPLEX_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Duplex.MaxConnections = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FLEETBUS_STREAM_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.MaxConnections = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Load reads and validates Settings from the provided YAML file, layered over FromEnv defaults.
func Load(ctx context.Context, configPath string) (Settings, error) {
	_ = ctx

	file, err := os.Open(configPath)
	if err != nil {
		return Settings{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	raw, err := io.ReadAll(file)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := FromEnv()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config file when present, falling back to env defaults.
// The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (Settings, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fallback := FromEnv()
			fallback.normalise()
			if verr := fallback.Validate(); verr != nil {
				return Settings{}, false, verr
			}
			return fallback, false, nil
		}
		return Settings{}, false, err
	}
	return cfg, true, nil
}

func (s *Settings) normalise() {
	s.Environment = Environment(strings.ToLower(strings.TrimSpace(string(s.Environment))))
	s.Server.Addr = strings.TrimSpace(s.Server.Addr)
	s.Relay.WebhookURL = strings.TrimSpace(s.Relay.WebhookURL)
	s.Telemetry.OTLPEndpoint = strings.TrimSpace(s.Telemetry.OTLPEndpoint)
	if s.Queue.DeadLetterRetained <= 0 {
		s.Queue.DeadLetterRetained = Default().Queue.DeadLetterRetained
	}
}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if s.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	for name, topic := range map[string]TopicConfig{
		"events":        s.Queue.Events,
		"notifications": s.Queue.Notifications,
		"webhooks":      s.Queue.Webhooks,
	} {
		if topic.Concurrency <= 0 {
			return fmt.Errorf("queue.%s.concurrency must be >0", name)
		}
		if topic.MaxAttempts <= 0 {
			return fmt.Errorf("queue.%s.maxAttempts must be >0", name)
		}
		if topic.BaseDelay <= 0 {
			return fmt.Errorf("queue.%s.baseDelay must be >0", name)
		}
		if topic.MaxDelay < topic.BaseDelay {
			return fmt.Errorf("queue.%s.maxDelay must be >= baseDelay", name)
		}
		if topic.BufferSize <= 0 {
			return fmt.Errorf("queue.%s.bufferSize must be >0", name)
		}
	}
	if s.Duplex.MaxConnections <= 0 {
		return fmt.Errorf("duplex.maxConnections must be >0")
	}
	if s.Stream.MaxConnections <= 0 {
		return fmt.Errorf("stream.maxConnections must be >0")
	}
	if s.Stream.KeepAliveInterval <= 0 || s.Stream.SweepInterval <= 0 || s.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream intervals must be >0")
	}
	if s.Registry.MaxAge <= 0 {
		return fmt.Errorf("registry.maxAge must be >0")
	}
	if s.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.requestTimeout must be >0")
	}
	return nil
}
