package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. WSL_SERVER_PORT.
const EnvPrefix = "WSL"

// Config represents the complete application configuration.
// One struct serves the registry server, the agent and the admin CLI; each
// binary validates the sections it uses.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Registry  RegistryConfig  `yaml:"registry" envconfig:"REGISTRY"`
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
	Usage     UsageConfig     `yaml:"usage" envconfig:"USAGE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// RegistryConfig configures the licence registry: storage, locking,
// authentication and rate limits.
type RegistryConfig struct {
	StoreDriver     string        `yaml:"store_driver" envconfig:"STORE_DRIVER"`
	DatabaseURL     string        `yaml:"database_url" envconfig:"DATABASE_URL"`
	SQLitePath      string        `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	ConnectAttempts uint          `yaml:"connect_attempts" envconfig:"CONNECT_ATTEMPTS"`
	LockBackend     string        `yaml:"lock_backend" envconfig:"LOCK_BACKEND"`
	LockTimeout     time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
	LockTTL         time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
	RedisAddr       string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword   string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `yaml:"redis_db" envconfig:"REDIS_DB"`

	// APITokens are the static bearer credentials of application builds.
	// They slow casual abuse down; they do not authenticate end users.
	RequireAuth   bool          `yaml:"require_auth" envconfig:"REQUIRE_AUTH"`
	APITokens     []string      `yaml:"api_tokens" envconfig:"API_TOKENS"`
	AdminUsername string        `yaml:"admin_username" envconfig:"ADMIN_USERNAME"`
	AdminPassword string        `yaml:"admin_password" envconfig:"ADMIN_PASSWORD"`
	JWTSecret     string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTTTL        time.Duration `yaml:"jwt_ttl" envconfig:"JWT_TTL"`

	ActivateRPM      int `yaml:"activate_rpm" envconfig:"ACTIVATE_RPM"`
	ValidateRPM      int `yaml:"validate_rpm" envconfig:"VALIDATE_RPM"`
	CreateRPM        int `yaml:"create_rpm" envconfig:"CREATE_RPM"`
	UsageRPM         int `yaml:"usage_rpm" envconfig:"USAGE_RPM"`
	RateLimitClients int `yaml:"rate_limit_clients" envconfig:"RATE_LIMIT_CLIENTS"`

	// UsageNATSURL enables the usage-event consumer when set.
	UsageNATSURL string `yaml:"usage_nats_url" envconfig:"USAGE_NATS_URL"`
	UsageSubject string `yaml:"usage_subject" envconfig:"USAGE_SUBJECT"`

	// ExpirySweepInterval is how often the server persists due expiries.
	// Zero disables the sweep.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval" envconfig:"EXPIRY_SWEEP_INTERVAL"`
}

// ClientConfig configures the installation-side engine
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url" envconfig:"SERVER_URL"`
	AppID           string        `yaml:"app_id" envconfig:"APP_ID"`
	APIToken        string        `yaml:"api_token" envconfig:"API_TOKEN"`
	DataDir         string        `yaml:"data_dir" envconfig:"DATA_DIR"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxOfflineDays  int           `yaml:"max_offline_days" envconfig:"MAX_OFFLINE_DAYS"`
	SyncInterval    time.Duration `yaml:"sync_interval" envconfig:"SYNC_INTERVAL"`
	FingerprintSalt string        `yaml:"fingerprint_salt" envconfig:"FINGERPRINT_SALT"`
	VerdictCacheTTL time.Duration `yaml:"verdict_cache_ttl" envconfig:"VERDICT_CACHE_TTL"`

	// ControlAddr is the loopback address of the agent control API.
	// Empty disables it.
	ControlAddr string `yaml:"control_addr" envconfig:"CONTROL_ADDR"`
}

// UsageConfig configures where LogUsageEvent sends events
type UsageConfig struct {
	Sink             string        `yaml:"sink" envconfig:"SINK"`
	NATSURL          string        `yaml:"nats_url" envconfig:"NATS_URL"`
	Subject          string        `yaml:"subject" envconfig:"SUBJECT"`
	QueueSize        int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	BatchSize        int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	FlushInterval    time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	DeliveryAttempts int           `yaml:"delivery_attempts" envconfig:"DELIVERY_ATTEMPTS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Output     string `yaml:"output" envconfig:"OUTPUT"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" envconfig:"ENABLED"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Store drivers
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Lock backends
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Usage sinks
const (
	SinkHTTP = "http"
	SinkNATS = "nats"
	SinkLog  = "log"
	SinkNone = "none"
)

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Only variables that are present override; defaults live in Default().
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// mergeFile overlays the YAML file onto cfg. Keys missing from the file keep
// their current values.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// validate checks the sections every binary depends on
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read and write timeouts must be positive"))
	}

	switch c.Registry.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown registry store driver %q", c.Registry.StoreDriver))
	}
	switch c.Registry.LockBackend {
	case LockLocal, LockRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown registry lock backend %q", c.Registry.LockBackend))
	}
	if c.Registry.LockTimeout <= 0 {
		errs = append(errs, errors.New("registry lock timeout must be positive"))
	}

	if c.Client.Timeout < 10*time.Second || c.Client.Timeout > 15*time.Second {
		errs = append(errs, fmt.Errorf("client timeout %s outside 10s-15s", c.Client.Timeout))
	}
	if c.Client.MaxOfflineDays < 0 {
		errs = append(errs, errors.New("client max offline days cannot be negative"))
	}
	if c.Client.SyncInterval < time.Minute {
		errs = append(errs, errors.New("client sync interval must be at least one minute"))
	}

	switch c.Usage.Sink {
	case SinkHTTP, SinkNATS, SinkLog, SinkNone:
	default:
		errs = append(errs, fmt.Errorf("unknown usage sink %q", c.Usage.Sink))
	}
	if c.Usage.QueueSize <= 0 {
		errs = append(errs, errors.New("usage queue size must be positive"))
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown logging output %q", c.Logging.Output))
	}

	return errors.Join(errs...)
}

// ValidateRegistry checks what the registry server needs beyond validate.
func (c *Config) ValidateRegistry() error {
	var errs []error
	if c.Registry.RequireAuth && len(c.Registry.APITokens) == 0 {
		errs = append(errs, errors.New("registry auth enabled but no api tokens configured"))
	}
	if c.Registry.StoreDriver == StorePostgres && c.Registry.DatabaseURL == "" {
		errs = append(errs, errors.New("postgres store requires a database url"))
	}
	if c.Registry.LockBackend == LockRedis && c.Registry.RedisAddr == "" {
		errs = append(errs, errors.New("redis lock backend requires a redis address"))
	}
	if c.Registry.AdminPassword != "" && len(c.Registry.JWTSecret) < 32 {
		errs = append(errs, errors.New("admin api requires a jwt secret of at least 32 bytes"))
	}
	if c.Registry.UsageNATSURL != "" && c.Registry.UsageSubject == "" {
		errs = append(errs, errors.New("usage consumer requires a subject"))
	}
	return errors.Join(errs...)
}

// ValidateClient checks what the agent needs beyond validate.
func (c *Config) ValidateClient() error {
	var errs []error
	u, err := url.Parse(c.Client.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid client server url %q", c.Client.ServerURL))
	}
	if c.Client.AppID == "" {
		errs = append(errs, errors.New("client app id is required"))
	}
	if c.Client.DataDir == "" {
		errs = append(errs, errors.New("client data dir is required"))
	}
	if c.Usage.Sink == SinkNATS && c.Usage.NATSURL == "" {
		errs = append(errs, errors.New("nats usage sink requires a nats url"))
	}
	return errors.Join(errs...)
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Registry: RegistryConfig{
			StoreDriver:      StoreSQLite,
			SQLitePath:       "data/licences.db",
			ConnectAttempts:  5,
			LockBackend:      LockLocal,
			LockTimeout:      5 * time.Second,
			LockTTL:          10 * time.Second,
			RequireAuth:      true,
			AdminUsername:    "admin",
			JWTTTL:           time.Hour,
			ActivateRPM:      10,
			ValidateRPM:      30,
			CreateRPM:        5,
			UsageRPM:         60,
			RateLimitClients: 10000,
			UsageSubject:     "licence.usage",

			ExpirySweepInterval: time.Hour,
		},
		Client: ClientConfig{
			ServerURL:       "http://localhost:8080",
			AppID:           "whatsapp-sender-pro",
			DataDir:         "data",
			Timeout:         15 * time.Second,
			MaxOfflineDays:  3,
			SyncInterval:    time.Hour,
			FingerprintSalt: "wsl-device-v1",
			VerdictCacheTTL: time.Minute,
		},
		Usage: UsageConfig{
			Sink:             SinkHTTP,
			Subject:          "licence.usage",
			QueueSize:        1000,
			BatchSize:        50,
			FlushInterval:    30 * time.Second,
			DeliveryAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "console",
			FilePath:   "logs/licence.log",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
