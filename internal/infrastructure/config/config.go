package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "BACKOFFICE"

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Persistence PersistenceConfig
	Profile     ProfileConfig
	Tester      TesterConfig
	Archive     ArchiveConfig
	Telemetry   TelemetryConfig
	Settings    SettingsConfig

	// Defaults is the raw [defaults] section. EnvLayer turns it into the env
	// source layer of the settings tree.
	Defaults map[string]any
}

// SettingsConfig holds settings store policies
type SettingsConfig struct {
	// ClearLatentFields empties the credentials of inactive auth modes when
	// an integration switches mode. They are kept by default.
	ClearLatentFields bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	TrustedProxies   []string
}

// Local backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// PersistenceConfig selects and configures the local settings backend
type PersistenceConfig struct {
	Backend    string
	SQLitePath string
	Namespace  string        // key prefix, e.g. "settings"
	Debounce   time.Duration // quiet period before a flush
	Database   DatabaseConfig
	Redis      RedisConfig
	Encryption EncryptionConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// EncryptionConfig wraps the local backend in an encryptor
type EncryptionConfig struct {
	Enabled        bool
	Secret         string
	UseKeyring     bool
	KeyringService string
	KeyringUser    string
}

// ProfileConfig configures the remote profile service client
type ProfileConfig struct {
	Enabled       bool
	BaseURL       string        `validate:"omitempty,url"`
	UserID        string
	Token         string
	Timeout       time.Duration `validate:"gt=0"`
	RetryBase     time.Duration `validate:"gt=0"`
	RetryMax      time.Duration `validate:"gtefield=RetryBase"`
	RetryAttempts int           `validate:"gte=1,lte=20"`
}

// TesterConfig configures connection tests
type TesterConfig struct {
	DefaultTimeout time.Duration `validate:"gt=0"`
	RetryBase      time.Duration `validate:"gt=0"`
	RetryMax       time.Duration `validate:"gtefield=RetryBase"`
}

// ArchiveConfig configures the S3-compatible export archive
type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)

	MetricsEnabled  bool          // Export flush and connection test metrics
	MetricsInterval time.Duration // Export interval of the periodic reader
	LogsEnabled     bool          // Bridge zap entries to the OTLP logs pipeline
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with BACKOFFICE_ prefix (e.g., BACKOFFICE_PROFILE_BASE_URL)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	return fromViper(v)
}

// LoadFile loads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Persistence: PersistenceConfig{
			Backend:    v.GetString("persistence.backend"),
			SQLitePath: v.GetString("persistence.sqlite_path"),
			Namespace:  v.GetString("persistence.namespace"),
			Debounce:   v.GetDuration("persistence.debounce"),
			Database: DatabaseConfig{
				Host:            v.GetString("persistence.database.host"),
				Port:            v.GetInt("persistence.database.port"),
				User:            v.GetString("persistence.database.user"),
				Password:        v.GetString("persistence.database.password"),
				DBName:          v.GetString("persistence.database.dbname"),
				SSLMode:         v.GetString("persistence.database.sslmode"),
				MaxOpenConns:    v.GetInt("persistence.database.max_open_conns"),
				MaxIdleConns:    v.GetInt("persistence.database.max_idle_conns"),
				ConnMaxLifetime: v.GetInt("persistence.database.conn_max_lifetime"),
				ConnMaxIdleTime: v.GetInt("persistence.database.conn_max_idle_time"),
			},
			Redis: RedisConfig{
				Host:     v.GetString("persistence.redis.host"),
				Port:     v.GetInt("persistence.redis.port"),
				Password: v.GetString("persistence.redis.password"),
				DB:       v.GetInt("persistence.redis.db"),
			},
			Encryption: EncryptionConfig{
				Enabled:        v.GetBool("persistence.encryption.enabled"),
				Secret:         v.GetString("persistence.encryption.secret"),
				UseKeyring:     v.GetBool("persistence.encryption.use_keyring"),
				KeyringService: v.GetString("persistence.encryption.keyring_service"),
				KeyringUser:    v.GetString("persistence.encryption.keyring_user"),
			},
		},
		Profile: ProfileConfig{
			Enabled:       v.GetBool("profile.enabled"),
			BaseURL:       v.GetString("profile.base_url"),
			UserID:        v.GetString("profile.user_id"),
			Token:         v.GetString("profile.token"),
			Timeout:       v.GetDuration("profile.timeout"),
			RetryBase:     v.GetDuration("profile.retry_base"),
			RetryMax:      v.GetDuration("profile.retry_max"),
			RetryAttempts: v.GetInt("profile.retry_attempts"),
		},
		Tester: TesterConfig{
			DefaultTimeout: v.GetDuration("tester.default_timeout"),
			RetryBase:      v.GetDuration("tester.retry_base"),
			RetryMax:       v.GetDuration("tester.retry_max"),
		},
		Archive: ArchiveConfig{
			Enabled:         v.GetBool("archive.enabled"),
			Endpoint:        v.GetString("archive.endpoint"),
			Region:          v.GetString("archive.region"),
			Bucket:          v.GetString("archive.bucket"),
			Prefix:          v.GetString("archive.prefix"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
			UsePathStyle:    v.GetBool("archive.use_path_style"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
		},
		Settings: SettingsConfig{
			ClearLatentFields: v.GetBool("settings.clear_latent_fields"),
		},
		Defaults: v.GetStringMap("defaults"),
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "backoffice"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}

	p := &cfg.Persistence
	if p.Backend == "" {
		p.Backend = BackendSQLite
	}
	if p.SQLitePath == "" {
		p.SQLitePath = "backoffice.db"
	}
	if p.Namespace == "" {
		p.Namespace = "settings"
	}
	if p.Debounce == 0 {
		p.Debounce = 500 * time.Millisecond
	}
	if p.Database.Host == "" {
		p.Database.Host = "localhost"
	}
	if p.Database.Port == 0 {
		p.Database.Port = 5432
	}
	if p.Database.User == "" {
		p.Database.User = "postgres"
	}
	if p.Database.DBName == "" {
		p.Database.DBName = "backoffice"
	}
	if p.Database.SSLMode == "" {
		p.Database.SSLMode = "disable"
	}
	if p.Database.MaxOpenConns == 0 {
		p.Database.MaxOpenConns = 10
	}
	if p.Database.MaxIdleConns == 0 {
		p.Database.MaxIdleConns = 2
	}
	if p.Database.ConnMaxLifetime == 0 {
		p.Database.ConnMaxLifetime = 60
	}
	if p.Database.ConnMaxIdleTime == 0 {
		p.Database.ConnMaxIdleTime = 30
	}
	if p.Redis.Host == "" {
		p.Redis.Host = "localhost"
	}
	if p.Redis.Port == 0 {
		p.Redis.Port = 6379
	}
	if p.Encryption.KeyringService == "" {
		p.Encryption.KeyringService = "backoffice"
	}
	if p.Encryption.KeyringUser == "" {
		p.Encryption.KeyringUser = "settings-encryption-key"
	}

	if cfg.Profile.Timeout == 0 {
		cfg.Profile.Timeout = 10 * time.Second
	}
	if cfg.Profile.RetryBase == 0 {
		cfg.Profile.RetryBase = time.Second
	}
	if cfg.Profile.RetryMax == 0 {
		cfg.Profile.RetryMax = 30 * time.Second
	}
	if cfg.Profile.RetryAttempts == 0 {
		cfg.Profile.RetryAttempts = 5
	}

	if cfg.Tester.DefaultTimeout == 0 {
		cfg.Tester.DefaultTimeout = 30 * time.Second
	}
	if cfg.Tester.RetryBase == 0 {
		cfg.Tester.RetryBase = 500 * time.Millisecond
	}
	if cfg.Tester.RetryMax == 0 {
		cfg.Tester.RetryMax = 10 * time.Second
	}

	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "settings-exports/"
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "backoffice"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Persistence.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("persistence.backend must be one of memory, sqlite, postgres, redis; got %q", c.Persistence.Backend)
	}
	if c.Persistence.Database.MaxIdleConns > c.Persistence.Database.MaxOpenConns {
		return fmt.Errorf("persistence.database.max_idle_conns (%d) cannot exceed persistence.database.max_open_conns (%d)",
			c.Persistence.Database.MaxIdleConns, c.Persistence.Database.MaxOpenConns)
	}
	enc := c.Persistence.Encryption
	if enc.Enabled && !enc.UseKeyring && len(enc.Secret) < 16 {
		return fmt.Errorf("persistence.encryption.secret must be at least 16 characters when encryption is enabled without a keyring")
	}

	validate := validator.New()
	if err := validate.Struct(c.Profile); err != nil {
		return fmt.Errorf("invalid profile configuration: %w", err)
	}
	if c.Profile.Enabled && (c.Profile.BaseURL == "" || c.Profile.UserID == "") {
		return fmt.Errorf("profile.base_url and profile.user_id are required when the profile service is enabled")
	}
	if err := validate.Struct(c.Tester); err != nil {
		return fmt.Errorf("invalid tester configuration: %w", err)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when the archive is enabled")
	}

	if c.App.Env == "production" {
		if c.Persistence.Backend == BackendMemory {
			return fmt.Errorf("persistence.backend cannot be 'memory' in production")
		}
		if c.Persistence.Backend == BackendPostgres && c.Persistence.Database.SSLMode == "disable" {
			return fmt.Errorf("persistence.database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
