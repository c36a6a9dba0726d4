package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"agentarena/internal/bundle"
	"agentarena/internal/common/cache"
	"agentarena/internal/common/mq"
	"agentarena/internal/common/storage"
	"agentarena/internal/eventsink"
	"agentarena/internal/guest"
	"agentarena/internal/sandbox/agent"
	"agentarena/internal/sandbox/backend"
	"agentarena/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	defaultRequestTopic = "arena.match.request"
	defaultRetryTopic   = "arena.match.retry"
	defaultEventTopic   = "arena.match.events"
	defaultGroup        = "arena-executor"

	backendFirecracker = "firecracker"
	backendDocker      = "docker"
	backendLocal       = "local"

	sourceMinIO = "minio"
	sourceHTTP  = "http"
	sourceLocal = "local"

	envPrefix = "ARENA_"
)

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	RequestTopic  string        `yaml:"requestTopic"`
	RetryTopic    string        `yaml:"retryTopic"`
	EventTopic    string        `yaml:"eventTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	PoolRetryMax  int           `yaml:"poolRetryMax"`
	PoolRetryBase time.Duration `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD time.Duration `yaml:"poolRetryMaxDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
}

// BundleConfig says where agent bundles are fetched from.
type BundleConfig struct {
	// Source is minio, http or local.
	Source    string             `yaml:"source"`
	Bucket    string             `yaml:"bucket"`
	BaseURL   string             `yaml:"baseURL"`
	LocalRoot string             `yaml:"localRoot"`
	Timeout   time.Duration      `yaml:"timeout"`
	Headers   map[string]string  `yaml:"headers"`
	Fetch     bundle.FetchConfig `yaml:"fetch"`
}

// LocalSandboxConfig runs agents as confined child processes of the executor.
type LocalSandboxConfig struct {
	Guest          guest.Config `yaml:"guest"`
	Limits         guest.Limits `yaml:"limits"`
	SeccompProfile string       `yaml:"seccompProfile"`
	Env            []string     `yaml:"env"`
}

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	// Backend is firecracker, docker or local.
	Backend     string                      `yaml:"backend"`
	Firecracker backend.FirecrackerSettings `yaml:"firecracker"`
	Docker      backend.DockerSettings      `yaml:"docker"`
	Local       LocalSandboxConfig          `yaml:"local"`
	WorkDir     string                      `yaml:"workDir"`
	Mounts      []backend.Mount             `yaml:"mounts"`
	SwapPath    string                      `yaml:"swapPath"`
	RAMBudgetMB int64                       `yaml:"ramBudgetMb"`
	Slots       int64                       `yaml:"slots"`
	SlotWait    time.Duration               `yaml:"slotWait"`
}

// MatchConfig holds per-match limits.
type MatchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MessageTimeout time.Duration `yaml:"messageTimeout"`
	ClaimTTL       time.Duration `yaml:"claimTTL"`
	Agent          AgentConfig   `yaml:"agent"`
}

// AgentConfig tunes the host side of every agent connection.
type AgentConfig struct {
	RecorderMaxLen  int           `yaml:"recorderMaxLen"`
	RecorderTimeout time.Duration `yaml:"recorderTimeout"`
	MaxMessageLen   int           `yaml:"maxMessageLen"`
	MaxFileSize     int64         `yaml:"maxFileSize"`
}

// EventsConfig enables the optional event sinks next to the event topic.
type EventsConfig struct {
	RedisStream RedisStreamConfig   `yaml:"redisStream"`
	Archive     ArchiveConfig       `yaml:"archive"`
	Hub         eventsink.HubConfig `yaml:"hub"`
}

type RedisStreamConfig struct {
	Enabled                     bool `yaml:"enabled"`
	eventsink.RedisStreamConfig `yaml:",inline"`
}

type ArchiveConfig struct {
	Enabled                 bool `yaml:"enabled"`
	eventsink.ArchiveConfig `yaml:",inline"`
}

// CancellationConfig lists how running matches learn they were cancelled.
type CancellationConfig struct {
	// KeyPrefix enables the redis key checker when redis is configured.
	KeyPrefix string        `yaml:"keyPrefix"`
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	// ProbeBundles cancels matches whose bundles are withdrawn.
	ProbeBundles bool `yaml:"probeBundles"`
}

// AppConfig holds arena-executor config.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Logger       logger.Config       `yaml:"logger"`
	Kafka        KafkaConfig         `yaml:"kafka"`
	Redis        cache.RedisConfig   `yaml:"redis"`
	MinIO        storage.MinIOConfig `yaml:"minio"`
	Bundles      BundleConfig        `yaml:"bundles"`
	Sandbox      SandboxConfig       `yaml:"sandbox"`
	Match        MatchConfig         `yaml:"match"`
	Events       EventsConfig        `yaml:"events"`
	Cancellation CancellationConfig  `yaml:"cancellation"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployments keep secrets and endpoints out of the
// config file.
func applyEnvOverrides(cfg *AppConfig, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	str("SANDBOX_BACKEND", &cfg.Sandbox.Backend)
	str("WORK_DIR", &cfg.Sandbox.WorkDir)
	str("HTTP_ADDR", &cfg.Server.Addr)
	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup(envPrefix + "BUNDLE_TOKEN"); ok && v != "" {
		if cfg.Bundles.Headers == nil {
			cfg.Bundles.Headers = make(map[string]string)
		}
		cfg.Bundles.Headers["Authorization"] = "Bearer " + v
	}
}

func applyDefaults(cfg *AppConfig) {
	applyServerDefaults(&cfg.Server)
	applyKafkaDefaults(&cfg.Kafka)
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Bundles.Source == "" {
		cfg.Bundles.Source = sourceMinIO
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = backendFirecracker
	}
	if cfg.Sandbox.WorkDir == "" {
		cfg.Sandbox.WorkDir = "/var/lib/arena/work"
	}
	if cfg.Sandbox.Slots <= 0 {
		cfg.Sandbox.Slots = 2
	}
	if cfg.Cancellation.Timeout <= 0 {
		cfg.Cancellation.Timeout = 2 * time.Second
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
}

func applyKafkaDefaults(cfg *KafkaConfig) {
	if cfg.RequestTopic == "" {
		cfg.RequestTopic = defaultRequestTopic
	}
	if cfg.RetryTopic == "" {
		cfg.RetryTopic = defaultRetryTopic
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = defaultEventTopic
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaultGroup
	}
	if cfg.PoolRetryMax <= 0 {
		cfg.PoolRetryMax = 5
	}
	if cfg.PoolRetryBase == 0 {
		cfg.PoolRetryBase = time.Second
	}
	if cfg.PoolRetryMaxD == 0 {
		cfg.PoolRetryMaxD = 30 * time.Second
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (c *AppConfig) validate() error {
	switch c.Sandbox.Backend {
	case backendFirecracker, backendDocker, backendLocal:
	default:
		return fmt.Errorf("unknown sandbox backend %q", c.Sandbox.Backend)
	}
	switch c.Bundles.Source {
	case sourceMinIO:
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required for minio bundles")
		}
		if c.Bundles.Bucket == "" {
			return fmt.Errorf("bundle bucket is required")
		}
	case sourceHTTP:
		if c.Bundles.BaseURL == "" {
			return fmt.Errorf("bundle baseURL is required for http bundles")
		}
	case sourceLocal:
		if c.Bundles.LocalRoot == "" {
			return fmt.Errorf("bundle localRoot is required for local bundles")
		}
	default:
		return fmt.Errorf("unknown bundle source %q", c.Bundles.Source)
	}
	if c.Events.RedisStream.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required for the redis stream sink")
	}
	if c.Events.Archive.Enabled {
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required for the event archive")
		}
		if c.Events.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required")
		}
	}
	return nil
}

// validateServe checks what only the queue consumer needs.
func (c *AppConfig) validateServe() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	return nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (a AgentConfig) toOptions() agent.Options {
	return agent.Options{
		RecorderMaxLen:  a.RecorderMaxLen,
		RecorderTimeout: a.RecorderTimeout,
		MaxMessageLen:   a.MaxMessageLen,
		MaxFileSize:     a.MaxFileSize,
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
