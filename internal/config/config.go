package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Refill     RefillSettings   `mapstructure:"refill"`

	v *viper.Viper
}

type ServerConfig struct {
	Host             string          `mapstructure:"host"`
	Port             int             `mapstructure:"port"`
	MetricsPort      int             `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration   `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration   `mapstructure:"graceful_shutdown"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig caps API requests per authenticated principal.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	RequireAuth  bool     `mapstructure:"require_auth"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	Issuer       string   `mapstructure:"issuer"`
	AdminRoles   []string `mapstructure:"admin_roles"`
	ServiceRoles []string `mapstructure:"service_roles"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	Workers          int           `mapstructure:"workers"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	ManualTimeout    time.Duration `mapstructure:"manual_timeout"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	LeaderKey        string        `mapstructure:"leader_key"`
	LeaderTTL        time.Duration `mapstructure:"leader_ttl"`
	IndexRefresh     time.Duration `mapstructure:"index_refresh"`
	CatchUpGrace     time.Duration `mapstructure:"catch_up_grace"`
}

type BudgetConfig struct {
	LowWatermark   string        `mapstructure:"low_watermark"`
	DefaultRole    string        `mapstructure:"default_role"`
	DefaultLimit   string        `mapstructure:"default_limit"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl"`
}

type NotifyConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Stream           string        `mapstructure:"stream"`
	MaxLen           int64         `mapstructure:"max_len"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	DeliveryAttempts int           `mapstructure:"delivery_attempts"`
}

type ReconcilerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Repair    bool          `mapstructure:"repair"`
	BatchSize int           `mapstructure:"batch_size"`
}

// defaultLockTTL matches the lock manager's fallback for a zero lock_ttl.
const defaultLockTTL = 30 * time.Second

// validate rejects a lock TTL that a refill could outlive. A scheduled refill
// holds the principal lock for at most execution_timeout and a manual one for
// at most manual_timeout.
func (s SchedulerConfig) validate() error {
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	longest := s.ExecutionTimeout
	if s.ManualTimeout > longest {
		longest = s.ManualTimeout
	}
	if ttl <= longest {
		return fmt.Errorf("scheduler.lock_ttl (%s) must exceed execution_timeout and manual_timeout (%s)", ttl, longest)
	}
	return nil
}

var cfg *Config

// Load reads configuration from a directory containing config.yaml or from an
// explicit file path, layered over defaults and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	ext := strings.ToLower(filepath.Ext(configPath))
	switch {
	case ext == ".yaml" || ext == ".yml":
		v.SetConfigFile(configPath)
	case configPath != "":
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configPath)
	default:
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/budgetd")
	}

	setDefaults(v)

	v.SetEnvPrefix("BUDGETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.v = v

	if err := config.Scheduler.validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests", 600)
	v.SetDefault("server.rate_limit.window", "1m")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "budgetd.db")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.busy_timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)

	// Auth defaults
	v.SetDefault("auth.require_auth", true)
	v.SetDefault("auth.admin_roles", []string{"admin"})
	v.SetDefault("auth.service_roles", []string{"service"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Authorization", "Content-Type"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 300)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.service_name", "budgetd")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.execution_timeout", "10s")
	v.SetDefault("scheduler.manual_timeout", "30s")
	v.SetDefault("scheduler.lock_timeout", "2s")
	v.SetDefault("scheduler.lock_ttl", "45s")
	v.SetDefault("scheduler.leader_key", "budgetd:scheduler:leader")
	v.SetDefault("scheduler.leader_ttl", "90s")
	v.SetDefault("scheduler.index_refresh", "5m")
	v.SetDefault("scheduler.catch_up_grace", "1m")

	// Budget defaults
	v.SetDefault("budget.low_watermark", "0.8")
	v.SetDefault("budget.default_role", "user")
	v.SetDefault("budget.default_limit", "0")
	v.SetDefault("budget.reservation_ttl", "15m")
	v.SetDefault("budget.status_cache_ttl", "1m")

	// Notification defaults
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.stream", "budgetd:events")
	v.SetDefault("notify.max_len", 10000)
	v.SetDefault("notify.breaker_threshold", 5)
	v.SetDefault("notify.breaker_cooldown", "30s")
	v.SetDefault("notify.delivery_attempts", 3)

	// Reconciler defaults
	v.SetDefault("reconciler.interval", "10m")
	v.SetDefault("reconciler.repair", false)
	v.SetDefault("reconciler.batch_size", 500)

	// Abuse guard defaults
	v.SetDefault("refill.abuse.enabled", true)
	v.SetDefault("refill.abuse.window", "24h")
	v.SetDefault("refill.abuse.max_refills_per_principal_per_day", 5)
	v.SetDefault("refill.abuse.max_refills_per_day", 10000)
	v.SetDefault("refill.abuse.max_single_refill", "10000")
	v.SetDefault("refill.abuse.suspend_after_blocks", 0)
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.metrics_port", "METRICS_PORT")

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.url", "DATABASE_URL")

	// Redis
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// Auth
	v.BindEnv("auth.jwt_secret", "JWT_SECRET_KEY")
	v.BindEnv("auth.require_auth", "BUDGETD_REQUIRE_AUTH")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("logging.format", "LOG_FORMAT")
}

// Viper exposes the instance the config was read with, for reload watching.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// IsLiteMode reports whether the process runs without Redis.
func (c *Config) IsLiteMode() bool {
	return c.Redis.URL == ""
}

func Get() *Config {
	return cfg
}
