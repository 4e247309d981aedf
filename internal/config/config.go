package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at startup and passed by pointer. Nothing mutates it afterwards.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // gin mode: debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	RetentionDays     int           `mapstructure:"retention_days"`
	CleanupBatchSize  int           `mapstructure:"cleanup_batch_size"`
}

type MongoConfig struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Stream     string        `mapstructure:"stream"`
	Group      string        `mapstructure:"group"`
	Consumer   string        `mapstructure:"consumer"`
	MaxLen     int64         `mapstructure:"max_len"`
	Block      time.Duration `mapstructure:"block"`
	ClaimIdle  time.Duration `mapstructure:"claim_idle"`
	BufferSize int           `mapstructure:"buffer_size"`
}

type AuditConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	SensitiveFields    []string `mapstructure:"sensitive_fields"`
	ExcludePaths       []string `mapstructure:"exclude_paths"` // prefixes
	ExcludeExactPaths  []string `mapstructure:"exclude_exact_paths"`
	ExcludeExtensions  []string `mapstructure:"exclude_extensions"`
	ExcludePatterns    []string `mapstructure:"exclude_patterns"` // doublestar globs
	MaxBodyLength      int      `mapstructure:"max_body_length"`
	MaxCaptureBytes    int      `mapstructure:"max_capture_bytes"` // bodies buffered for masking
	MaxMaskDepth       int      `mapstructure:"max_mask_depth"`
	DropUnmaskedBodies bool     `mapstructure:"drop_unmasked_bodies"`
	SessionCookie      string   `mapstructure:"session_cookie"`

	Async           bool          `mapstructure:"async"`
	Transport       string        `mapstructure:"transport"` // memory | redis
	QueueSize       int           `mapstructure:"queue_size"`
	Workers         int           `mapstructure:"workers"`
	QueueFullPolicy string        `mapstructure:"queue_full_policy"` // drop_newest | drop_oldest
	RetryCount      int           `mapstructure:"retry_count"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`

	FileDir        string         `mapstructure:"file_dir"`
	MemoryCapacity int            `mapstructure:"memory_capacity"`
	Backends       BackendsConfig `mapstructure:"backends"`
}

type BackendsConfig struct {
	Primary   string `mapstructure:"primary"`   // postgres | mongo | file | memory
	Secondary string `mapstructure:"secondary"` // optional, same values
	Mode      string `mapstructure:"mode"`      // single | fallback | both
}

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendFile     = "file"
	BackendMemory   = "memory"

	ModeSingle   = "single"
	ModeFallback = "fallback"
	ModeBoth     = "both"

	TransportMemory = "memory"
	TransportRedis  = "redis"

	PolicyDropNewest = "drop_newest"
	PolicyDropOldest = "drop_oldest"
)

var DefaultSensitiveFields = []string{
	"password", "token", "access", "refresh", "secret", "passwd",
	"authorization", "api_key", "cookie", "set-cookie",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.admin_key", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", 2*time.Second)
	v.SetDefault("database.retention_days", 90)
	v.SetDefault("database.cleanup_batch_size", 1000)

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "polyaudit")
	v.SetDefault("mongo.collection", "request_logs")
	v.SetDefault("mongo.timeout", 5*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "polyaudit:records")
	v.SetDefault("redis.group", "polyaudit-writers")
	v.SetDefault("redis.consumer", "")
	v.SetDefault("redis.max_len", 100000)
	v.SetDefault("redis.block", 2*time.Second)
	v.SetDefault("redis.claim_idle", time.Minute)
	v.SetDefault("redis.buffer_size", 1000)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.sensitive_fields", DefaultSensitiveFields)
	v.SetDefault("audit.exclude_paths", []string{"/static/", "/media/"})
	v.SetDefault("audit.exclude_exact_paths", []string{"/health", "/metrics", "/favicon.ico"})
	v.SetDefault("audit.exclude_extensions", []string{".css", ".js", ".ico", ".jpg", ".png", ".gif", ".svg"})
	v.SetDefault("audit.exclude_patterns", []string{})
	v.SetDefault("audit.max_body_length", 8192)
	v.SetDefault("audit.max_capture_bytes", 1<<20)
	v.SetDefault("audit.max_mask_depth", 32)
	v.SetDefault("audit.drop_unmasked_bodies", false)
	v.SetDefault("audit.session_cookie", "sessionid")
	v.SetDefault("audit.async", true)
	v.SetDefault("audit.transport", TransportMemory)
	v.SetDefault("audit.queue_size", 1000)
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.queue_full_policy", PolicyDropNewest)
	v.SetDefault("audit.retry_count", 3)
	v.SetDefault("audit.retry_backoff", 500*time.Millisecond)
	v.SetDefault("audit.retry_max_backoff", 10*time.Second)
	v.SetDefault("audit.write_timeout", 5*time.Second)
	v.SetDefault("audit.file_dir", "./logs")
	v.SetDefault("audit.memory_capacity", 1000)
	v.SetDefault("audit.backends.primary", BackendPostgres)
	v.SetDefault("audit.backends.secondary", BackendFile)
	v.SetDefault("audit.backends.mode", ModeFallback)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// Environment variables support
	// e.g. POLYAUDIT_AUDIT_MAX_BODY_LENGTH
	v.SetEnvPrefix("polyaudit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load reads config.yaml (if any) plus POLYAUDIT_* env vars.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches the defaults.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without touching files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

func (c *Config) Validate() error {
	var errs []error
	a := c.Audit

	if a.MaxBodyLength <= 0 {
		errs = append(errs, fmt.Errorf("audit.max_body_length must be positive, got %d", a.MaxBodyLength))
	}
	if a.MaxCaptureBytes < a.MaxBodyLength {
		errs = append(errs, fmt.Errorf("audit.max_capture_bytes (%d) must be at least audit.max_body_length (%d)",
			a.MaxCaptureBytes, a.MaxBodyLength))
	}
	if a.MaxMaskDepth <= 0 {
		errs = append(errs, fmt.Errorf("audit.max_mask_depth must be positive, got %d", a.MaxMaskDepth))
	}
	if a.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("audit.retry_count must not be negative, got %d", a.RetryCount))
	}
	if a.QueueSize <= 0 || a.Workers <= 0 {
		errs = append(errs, fmt.Errorf("audit.queue_size and audit.workers must be positive"))
	}
	switch a.QueueFullPolicy {
	case PolicyDropNewest, PolicyDropOldest:
	default:
		errs = append(errs, fmt.Errorf("unknown audit.queue_full_policy %q", a.QueueFullPolicy))
	}
	switch a.Transport {
	case TransportMemory:
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("audit.transport=redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.transport %q", a.Transport))
	}

	b := a.Backends
	if !validBackend(b.Primary) {
		errs = append(errs, fmt.Errorf("unknown audit.backends.primary %q", b.Primary))
	}
	if b.Secondary != "" && !validBackend(b.Secondary) {
		errs = append(errs, fmt.Errorf("unknown audit.backends.secondary %q", b.Secondary))
	}
	switch b.Mode {
	case ModeSingle:
	case ModeFallback, ModeBoth:
		if b.Secondary == "" {
			errs = append(errs, fmt.Errorf("audit.backends.mode=%s requires audit.backends.secondary", b.Mode))
		} else if b.Secondary == b.Primary {
			errs = append(errs, fmt.Errorf("audit.backends.secondary must differ from primary"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.backends.mode %q", b.Mode))
	}

	if c.Database.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("database.retention_days must be positive, got %d", c.Database.RetentionDays))
	}
	return errors.Join(errs...)
}

func validBackend(name string) bool {
	switch name {
	case BackendPostgres, BackendMongo, BackendFile, BackendMemory:
		return true
	default:
		return false
	}
}
