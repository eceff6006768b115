package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageSQL   = "sql"
	StorageBolt  = "bolt"
	StorageRedis = "redis"
	StorageCSV   = "csv"
)

// Agent busy detectors.
const (
	DetectorAlways  = "always"
	DetectorCPU     = "cpu"
	DetectorProcess = "process"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	CSV      CSVConfig      `mapstructure:"csv"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Agent    AgentConfig    `mapstructure:"agent"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress     string        `mapstructure:"bind_address"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"` // 0 disables the metrics server
	RateLimit       float64       `mapstructure:"rate_limit"`   // requests per second per client, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ListenAddr returns the API listen address.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// MetricsAddr returns the metrics listen address.
func (s ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.MetricsPort)
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type        string `mapstructure:"type"`
	DatabaseURL string `mapstructure:"database_url"` // sql backend
	Path        string `mapstructure:"path"`         // bolt backend
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// CSVConfig defines the CSV journal
type CSVConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// SessionsConfig defines session recording and aggregation settings
type SessionsConfig struct {
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"` // negative disables the sweeper
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Timezone      string        `mapstructure:"timezone"`
	HistoryStart  string        `mapstructure:"history_start"`
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// Location loads the configured time zone.
func (s SessionsConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// HistoryStartDate parses history_start as a date.
func (s SessionsConfig) HistoryStartDate() (time.Time, error) {
	t, err := time.Parse("2006-01-02", s.HistoryStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid history_start %q: %w", s.HistoryStart, err)
	}
	return t, nil
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig defines the client poller
type AgentConfig struct {
	ServerURL       string        `mapstructure:"server_url"`
	DeviceID        string        `mapstructure:"device_id"` // defaults to the hostname
	Interval        time.Duration `mapstructure:"interval"`
	Detector        string        `mapstructure:"detector"`
	CPUThreshold    float64       `mapstructure:"cpu_threshold"`
	ProcessNames    []string      `mapstructure:"process_names"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxFailures     int           `mapstructure:"max_failures"` // consecutive failed ticks before exit, 0 never exits
	LockFile        string        `mapstructure:"lock_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load loads server configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config, err := load(configPath)
	if err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadAgent loads configuration for the agent. Only the agent and logging
// sections are validated.
func LoadAgent(configPath string) (*Config, error) {
	config, err := load(configPath)
	if err != nil {
		return nil, err
	}

	if config.Agent.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("agent.device_id not set and hostname unavailable: %w", err)
		}
		config.Agent.DeviceID = hostname
	}

	if err := validateAgent(&config.Agent); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}

	return config, nil
}

func load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SESSIONLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment platforms set these without a prefix.
	_ = v.BindEnv("storage.database_url", "SESSIONLOG_STORAGE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.port", "SESSIONLOG_SERVER_PORT", "PORT")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, use defaults and environment variables
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", StorageSQL)
	v.SetDefault("storage.database_url", "sqlite:///sessionlog.db")
	v.SetDefault("storage.path", "/var/lib/sessionlog/sessionlog.bolt")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// CSV defaults
	v.SetDefault("csv.enabled", true)
	v.SetDefault("csv.dir", "logs")

	// Session defaults
	v.SetDefault("sessions.stale_timeout", "2m")
	v.SetDefault("sessions.sweep_interval", "1m")
	v.SetDefault("sessions.timezone", "UTC")
	v.SetDefault("sessions.history_start", "2026-01-01")
	v.SetDefault("sessions.cache_size", 1024)
	v.SetDefault("sessions.cache_ttl", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Agent defaults
	v.SetDefault("agent.server_url", "http://localhost:5000")
	v.SetDefault("agent.device_id", "")
	v.SetDefault("agent.interval", "30s")
	v.SetDefault("agent.detector", DetectorAlways)
	v.SetDefault("agent.cpu_threshold", 20.0)
	v.SetDefault("agent.process_names", []string{})
	v.SetDefault("agent.request_timeout", "10s")
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.max_failures", 0)
	v.SetDefault("agent.lock_file", "")
	v.SetDefault("agent.shutdown_timeout", "10s")
}

// validate validates the server configuration
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.MetricsPort != 0 && cfg.Server.MetricsPort == cfg.Server.Port {
		return fmt.Errorf("metrics port must differ from server port")
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}

	switch cfg.Storage.Type {
	case StorageSQL:
		if cfg.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for sql storage")
		}
	case StorageBolt:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case StorageRedis:
		if cfg.Redis.Host == "" {
			return fmt.Errorf("redis.host is required for redis storage")
		}
	case StorageCSV:
		if cfg.CSV.Dir == "" {
			return fmt.Errorf("csv.dir is required for csv storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q (want sql, bolt, redis or csv)", cfg.Storage.Type)
	}

	if cfg.CSV.Enabled && cfg.CSV.Dir == "" {
		return fmt.Errorf("csv.dir is required when csv.enabled is set")
	}

	if cfg.Sessions.StaleTimeout == 0 {
		return fmt.Errorf("sessions.stale_timeout must be non-zero (negative disables)")
	}
	if cfg.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if _, err := cfg.Sessions.Location(); err != nil {
		return err
	}
	if _, err := cfg.Sessions.HistoryStartDate(); err != nil {
		return err
	}

	return validateLogging(cfg.Logging)
}

func validateAgent(cfg *AgentConfig) error {
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return fmt.Errorf("agent.server_url must be an http(s) URL")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("agent.interval must be positive")
	}
	switch cfg.Detector {
	case DetectorAlways:
	case DetectorCPU:
		if cfg.CPUThreshold <= 0 || cfg.CPUThreshold > 100 {
			return fmt.Errorf("agent.cpu_threshold must be in (0, 100]")
		}
	case DetectorProcess:
		if len(cfg.ProcessNames) == 0 {
			return fmt.Errorf("agent.process_names is required for the process detector")
		}
	default:
		return fmt.Errorf("unknown detector %q (want always, cpu or process)", cfg.Detector)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must not be negative")
	}
	return nil
}

func validateLogging(cfg LoggingConfig) error {
	switch cfg.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q (want json or text)", cfg.Format)
	}
	return nil
}

// Defaults returns a configuration holding only default values.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// KnownKeys returns the set of recognised configuration keys.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}
