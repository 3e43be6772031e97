package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Emag     EmagConfig     `yaml:"emag"`
	Sync     SyncConfig     `yaml:"sync"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Backup   BackupConfig   `yaml:"backup"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EmagConfig contains marketplace client settings. Credentials are
// env-only: EMAG_MAIN_USERNAME/EMAG_MAIN_PASSWORD and the FBE pair.
type EmagConfig struct {
	BaseURL     string             `yaml:"base_url"`
	Timeout     Duration           `yaml:"timeout"`
	MaxAttempts int                `yaml:"max_attempts"`
	Accounts    map[string]Account `yaml:"-"`

	OrdersPerSecond int `yaml:"orders_per_second"`
	OrdersPerMinute int `yaml:"orders_per_minute"`
	OtherPerSecond  int `yaml:"other_per_second"`
	OtherPerMinute  int `yaml:"other_per_minute"`
}

// Account is one marketplace seller account's credentials.
type Account struct {
	Username string
	Password string
}

// SyncConfig contains synchronization engine settings.
type SyncConfig struct {
	ItemsPerPage   int      `yaml:"items_per_page"`
	MaxPages       int      `yaml:"max_pages"`
	PageAttempts   int      `yaml:"page_attempts"`
	RunTimeout     Duration `yaml:"run_timeout"`
	StuckThreshold Duration `yaml:"stuck_threshold"`
	SweepInterval  Duration `yaml:"sweep_interval"`

	ProductsInterval Duration `yaml:"products_interval"`
	OrdersInterval   Duration `yaml:"orders_interval"`
	ScheduleEnabled  bool     `yaml:"schedule_enabled"`
}

// RedisConfig contains the optional progress-mirror cache settings.
// An empty Addr disables the mirror.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"-"` // env-only, never in YAML
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// NATSConfig contains the optional run-event publisher settings.
// An empty URL disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BackupConfig contains the optional S3 database backup settings.
// An empty Endpoint disables uploads.
type BackupConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    bool     `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

/// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("MAGFLOW_CONFIG_PATH", "config/magflow.yaml")

	// Missing file is not an error; defaults plus env carry a dev setup.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values. The rate limits
// default to the marketplace's published ceilings.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/magflow.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Emag: EmagConfig{
			BaseURL:         "https://marketplace-api.emag.ro/api-3",
			Timeout:         Duration(30 * time.Second),
			MaxAttempts:     4,
			Accounts:        map[string]Account{},
			OrdersPerSecond: 12,
			OrdersPerMinute: 720,
			OtherPerSecond:  3,
			OtherPerMinute:  180,
		},
		Sync: SyncConfig{
			ItemsPerPage:     100,
			MaxPages:         0,
			PageAttempts:     2,
			RunTimeout:       Duration(30 * time.Minute),
			StuckThreshold:   Duration(time.Hour),
			SweepInterval:    Duration(15 * time.Minute),
			ProductsInterval: Duration(6 * time.Hour),
			OrdersInterval:   Duration(30 * time.Minute),
			ScheduleEnabled:  false,
		},
		Redis: RedisConfig{
			TTL: Duration(5 * time.Minute),
		},
		NATS: NATSConfig{
			SubjectPrefix: "magflow.sync",
		},
		Backup: BackupConfig{
			Bucket:   "magflow-backups",
			UseSSL:   true,
			Interval: Duration(24 * time.Hour),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// accountNames are the seller accounts credentials are read for.
var accountNames = []string{"main", "fbe"}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("MAGFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAGFLOW_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAGFLOW_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAGFLOW_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("MAGFLOW_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("MAGFLOW_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("MAGFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MAGFLOW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Marketplace
	if v := os.Getenv("EMAG_BASE_URL"); v != "" {
		cfg.Emag.BaseURL = v
	}
	if v := os.Getenv("EMAG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Emag.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("EMAG_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Emag.MaxAttempts = n
		}
	}
	for _, name := range accountNames {
		user := os.Getenv("EMAG_" + envName(name) + "_USERNAME")
		pass := os.Getenv("EMAG_" + envName(name) + "_PASSWORD")
		if user != "" && pass != "" {
			cfg.Emag.Accounts[name] = Account{Username: user, Password: pass}
		}
	}

	// Sync
	if v := os.Getenv("MAGFLOW_SYNC_ITEMS_PER_PAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.ItemsPerPage = n
		}
	}
	if v := os.Getenv("MAGFLOW_SYNC_MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxPages = n
		}
	}
	if v := os.Getenv("MAGFLOW_SYNC_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.RunTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAGFLOW_SYNC_STUCK_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.StuckThreshold = Duration(d)
		}
	}
	if v := os.Getenv("MAGFLOW_SYNC_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.SweepInterval = Duration(d)
		}
	}
	if v := os.Getenv("MAGFLOW_SYNC_SCHEDULE_ENABLED"); v != "" {
		cfg.Sync.ScheduleEnabled = v == "true" || v == "1"
	}

	// Redis
	if v := os.Getenv("MAGFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MAGFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MAGFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	// NATS
	if v := os.Getenv("MAGFLOW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MAGFLOW_NATS_SUBJECT_PREFIX"); v != "" {
		cfg.NATS.SubjectPrefix = v
	}

	// Backup
	if v := os.Getenv("MAGFLOW_BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("MAGFLOW_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("MAGFLOW_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("MAGFLOW_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("MAGFLOW_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backup.Interval = Duration(d)
		}
	}
}

// envName maps an account name to its env var fragment ("main" → "MAIN").
func envName(account string) string {
	out := make([]byte, len(account))
	for i := 0; i < len(account); i++ {
		c := account[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// validate checks that required configuration values are set.
// In dev mode (MAGFLOW_DEV_MODE=true), credential validation is skipped.
func (c *Config) validate() error {
	if c.Sync.ItemsPerPage <= 0 {
		return errors.New("sync.items_per_page must be positive")
	}
	if time.Duration(c.Sync.RunTimeout) <= 0 {
		return errors.New("sync.run_timeout must be positive")
	}

	if os.Getenv("MAGFLOW_DEV_MODE") == "true" {
		return nil
	}

	if len(c.Emag.Accounts) == 0 {
		return errors.New("no marketplace accounts configured (set EMAG_MAIN_USERNAME/EMAG_MAIN_PASSWORD)")
	}
	if c.Auth.APIKey == "" {
		return errors.New("MAGFLOW_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
