// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COPIER_"

// ExchangeConfig configures the REST client and private stream.
type ExchangeConfig struct {
	RESTURL           string        `yaml:"restURL"`
	StreamURL         string        `yaml:"streamURL"`
	TestnetRESTURL    string        `yaml:"testnetRestURL"`
	TestnetStreamURL  string        `yaml:"testnetStreamURL"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	AuthTTL           time.Duration `yaml:"authTTL"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Category          string        `yaml:"category"`
}

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// EngineConfig tunes polling, queuing and fan-out.
type EngineConfig struct {
	PollInterval         time.Duration `yaml:"pollInterval"`
	QueueSize            int           `yaml:"queueSize"`
	FanoutConcurrency    int           `yaml:"fanoutConcurrency"`
	QuantityPrecision    int32         `yaml:"quantityPrecision"`
	OrderType            string        `yaml:"orderType"`
	MonitoredInstruments []string      `yaml:"monitoredInstruments"`
	SaturationWarnAfter  time.Duration `yaml:"saturationWarnAfter"`
	StoreRetry           RetryConfig   `yaml:"storeRetry"`
	CredentialCacheTTL   time.Duration `yaml:"credentialCacheTTL"`
	StopTimeout          time.Duration `yaml:"stopTimeout"`
	AutoStart            bool          `yaml:"autoStart"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// RedisConfig enables the credential vault and pub/sub notifications.
type RedisConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	CredentialPrefix string `yaml:"credentialPrefix"`
	NotifyChannel    string `yaml:"notifyChannel"`
}

// KafkaConfig enables the audit stream.
type KafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	AuditTopic string   `yaml:"auditTopic"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified copier configuration sourced from YAML and the
// environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Exchange    ExchangeConfig  `yaml:"exchange"`
	Engine      EngineConfig    `yaml:"engine"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	APIServer   APIServerConfig `yaml:"apiServer"`
}

// envOverrides lists the settings operators commonly inject per deployment.
type envOverrides struct {
	Environment   string        `env:"ENVIRONMENT"`
	DatabaseDSN   string        `env:"DATABASE_DSN"`
	RunMigrations *bool         `env:"DATABASE_RUN_MIGRATIONS"`
	RedisEnabled  *bool         `env:"REDIS_ENABLED"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       *int          `env:"REDIS_DB"`
	KafkaEnabled  *bool         `env:"KAFKA_ENABLED"`
	KafkaBrokers  []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic    string        `env:"KAFKA_AUDIT_TOPIC"`
	OTLPEndpoint  string        `env:"OTLP_ENDPOINT"`
	APIAddr       string        `env:"API_ADDR"`
	PollInterval  time.Duration `env:"POLL_INTERVAL"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	cfg := defaults()
	cfg.normalise()
	return cfg
}

// defaults holds the values normalise cannot infer from a zero field.
// Derived values such as the credential cache TTL are left to normalise.
func defaults() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Engine: EngineConfig{
			OrderType:         "Market",
			QuantityPrecision: 4,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "copier",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Database:  DatabaseConfig{RunMigrations: true},
	}
}

// Load reads an AppConfig from the YAML file at configPath, applies
// environment overrides and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	// fields the file omits keep their defaults
	cfg := defaults()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default (plus
// environment overrides) when configPath does not exist. The boolean reports
// whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finish(defaults())
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := cfg.applyEnv(); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	if o.Environment != "" {
		c.Environment = Environment(o.Environment)
	}
	if o.DatabaseDSN != "" {
		c.Database.DSN = o.DatabaseDSN
	}
	if o.RunMigrations != nil {
		c.Database.RunMigrations = *o.RunMigrations
	}
	if o.RedisEnabled != nil {
		c.Redis.Enabled = *o.RedisEnabled
	}
	if o.RedisAddr != "" {
		c.Redis.Addr = o.RedisAddr
	}
	if o.RedisPassword != "" {
		c.Redis.Password = o.RedisPassword
	}
	if o.RedisDB != nil {
		c.Redis.DB = *o.RedisDB
	}
	if o.KafkaEnabled != nil {
		c.Kafka.Enabled = *o.KafkaEnabled
	}
	if len(o.KafkaBrokers) > 0 {
		c.Kafka.Brokers = o.KafkaBrokers
	}
	if o.KafkaTopic != "" {
		c.Kafka.AuditTopic = o.KafkaTopic
	}
	if o.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = o.OTLPEndpoint
	}
	if o.APIAddr != "" {
		c.APIServer.Addr = o.APIAddr
	}
	if o.PollInterval > 0 {
		c.Engine.PollInterval = o.PollInterval
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "copier"
	}

	c.Exchange.applyDefaults()
	c.Engine.applyDefaults()
	c.Database.applyDefaults()
	c.Redis.applyDefaults()
	c.Kafka.applyDefaults()
}

func (c *ExchangeConfig) applyDefaults() {
	c.RESTURL = strings.TrimRight(strings.TrimSpace(c.RESTURL), "/")
	c.StreamURL = strings.TrimSpace(c.StreamURL)
	c.TestnetRESTURL = strings.TrimRight(strings.TrimSpace(c.TestnetRESTURL), "/")
	c.TestnetStreamURL = strings.TrimSpace(c.TestnetStreamURL)
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))
	if c.Category == "" {
		c.Category = "linear"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
}

func (c *EngineConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.FanoutConcurrency <= 0 {
		c.FanoutConcurrency = 8
	}
	if c.QuantityPrecision < 0 {
		c.QuantityPrecision = 4
	}
	c.OrderType = strings.TrimSpace(c.OrderType)
	if c.OrderType == "" {
		c.OrderType = "Market"
	}
	c.MonitoredInstruments = normaliseSymbols(c.MonitoredInstruments)
	if c.SaturationWarnAfter <= 0 {
		c.SaturationWarnAfter = 5 * time.Second
	}
	if c.StoreRetry.MaxAttempts <= 0 {
		c.StoreRetry.MaxAttempts = 3
	}
	if c.StoreRetry.InitialInterval <= 0 {
		c.StoreRetry.InitialInterval = 200 * time.Millisecond
	}
	if c.StoreRetry.MaxInterval <= 0 {
		c.StoreRetry.MaxInterval = 2 * time.Second
	}
	if c.CredentialCacheTTL <= 0 || c.CredentialCacheTTL > c.PollInterval {
		c.CredentialCacheTTL = c.PollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/copier"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c *RedisConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if strings.TrimSpace(c.CredentialPrefix) == "" {
		c.CredentialPrefix = "copier:credentials:"
	}
	if strings.TrimSpace(c.NotifyChannel) == "" {
		c.NotifyChannel = "copier:notifications"
	}
}

func (c *KafkaConfig) applyDefaults() {
	c.Brokers = trimAll(c.Brokers)
	c.AuditTopic = strings.TrimSpace(c.AuditTopic)
	if c.AuditTopic == "" {
		c.AuditTopic = "copier.audit"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: brokers required when enabled")
	}
	return nil
}

func (c EngineConfig) validate() error {
	switch strings.ToLower(c.OrderType) {
	case "market", "limit":
	default:
		return fmt.Errorf("orderType must be Market or Limit")
	}
	if c.QuantityPrecision > 12 {
		return fmt.Errorf("quantityPrecision must be <= 12")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queueSize must be >0")
	}
	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("fanoutConcurrency must be >0")
	}
	return nil
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
