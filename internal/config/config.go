package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewFiscalConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	SnowflakeNodeID    int64
	DefaultOrgName     string
	DefaultOrgTimezone string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Ledger    LedgerConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Integrity IntegrityMetricsConfig
	Observe   ObservabilityConfig
}

type LedgerConfig struct {
	LockTimeout        time.Duration
	VerifyPageSize     int
	VerifyMaxPageSize  int
	ListDefaultPerPage int
}

type SchedulerConfig struct {
	Enabled        bool
	RunInterval    time.Duration
	VerifyTimeout  time.Duration
	ClosingTimeout time.Duration
	Jobs           []string
	LeaderLockTTL  time.Duration
}

type RateLimitConfig struct {
	VerifyEnabled bool
	VerifyRate    int
	VerifyBurst   int
	VerifyWindow  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ObservabilityConfig drives logging, query logging and OpenTelemetry export.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	SlowQueryThreshold time.Duration
	ChainLockWarnAfter time.Duration

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

// IntegrityMetricsConfig controls pushing chain health gauges to a remote
// Prometheus endpoint after each verification sweep.
type IntegrityMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	cfg := Config{
		AppName:            getenv(v, "APP_NAME", "caisse"),
		AppVersion:         getenv(v, "APP_VERSION", "0.1.0"),
		Environment:        getenv(v, "ENVIRONMENT", "development"),
		HTTPAddr:           getenv(v, "HTTP_ADDR", ":8080"),
		SnowflakeNodeID:    getenvInt64(v, "SNOWFLAKE_NODE_ID", 1),
		DefaultOrgName:     getenv(v, "DEFAULT_ORG_NAME", "Main Store"),
		DefaultOrgTimezone: getenv(v, "DEFAULT_ORG_TIMEZONE", "Europe/Paris"),
		DBType:             getenv(v, "DB_TYPE", "postgres"),
		DBHost:             getenv(v, "DB_HOST", "localhost"),
		DBPort:             getenv(v, "DB_PORT", "5432"),
		DBName:             getenv(v, "DB_NAME", "caisse"),
		DBUser:             getenv(v, "DB_USER", "postgres"),
		DBPassword:         getenv(v, "DB_PASSWORD", ""),
		DBSSLMode:          getenv(v, "DB_SSL_MODE", "disable"),
		DBMaxIdleConn:      getenvInt(v, "DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConn:      getenvInt(v, "DB_MAX_OPEN_CONNS", 50),
		DBConnMaxLifetime:  getenvInt(v, "DB_CONN_MAX_LIFETIME_SECONDS", 300),
		DBConnMaxIdleTime:  getenvInt(v, "DB_CONN_MAX_IDLE_TIME_SECONDS", 60),
		Ledger: LedgerConfig{
			LockTimeout:        getenvDuration(v, "LEDGER_LOCK_TIMEOUT", 5*time.Second),
			VerifyPageSize:     getenvInt(v, "LEDGER_VERIFY_PAGE_SIZE", 0),
			VerifyMaxPageSize:  getenvInt(v, "LEDGER_VERIFY_MAX_PAGE_SIZE", 10_000),
			ListDefaultPerPage: getenvInt(v, "LEDGER_LIST_PAGE_SIZE", 50),
		},
		Scheduler: SchedulerConfig{
			Enabled:        getenvBool(v, "SCHEDULER_ENABLED", true),
			RunInterval:    getenvDuration(v, "SCHEDULER_RUN_INTERVAL", 15*time.Minute),
			VerifyTimeout:  getenvDuration(v, "SCHEDULER_VERIFY_TIMEOUT", 5*time.Minute),
			ClosingTimeout: getenvDuration(v, "SCHEDULER_CLOSING_TIMEOUT", time.Minute),
			Jobs:           parseList(getenv(v, "SCHEDULER_JOBS", "")),
			LeaderLockTTL:  getenvDuration(v, "SCHEDULER_LOCK_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			VerifyEnabled: getenvBool(v, "RATE_LIMIT_VERIFY_ENABLED", true),
			VerifyRate:    getenvInt(v, "RATE_LIMIT_VERIFY_RATE", 6),
			VerifyBurst:   getenvInt(v, "RATE_LIMIT_VERIFY_BURST", 3),
			VerifyWindow:  getenvDuration(v, "RATE_LIMIT_VERIFY_WINDOW", time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv(v, "REDIS_ADDR", "")),
			Password: getenv(v, "REDIS_PASSWORD", ""),
			DB:       getenvInt(v, "REDIS_DB", 0),
		},
		Integrity: IntegrityMetricsConfig{
			Enabled:   getenvBool(v, "INTEGRITY_METRICS_ENABLED", false),
			Exporter:  strings.ToLower(getenv(v, "INTEGRITY_METRICS_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv(v, "INTEGRITY_METRICS_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv(v, "INTEGRITY_METRICS_AUTH_TOKEN", "")),
		},
		Observe: ObservabilityConfig{
			LogLevel:           strings.ToLower(getenv(v, "LOG_LEVEL", "info")),
			LogFormat:          strings.ToLower(getenv(v, "LOG_FORMAT", "json")),
			SlowQueryThreshold: getenvDuration(v, "DB_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
			ChainLockWarnAfter: getenvDuration(v, "LEDGER_LOCK_WAIT_LOG_THRESHOLD", 50*time.Millisecond),
			OtelEnabled:        getenvBool(v, "OTEL_ENABLED", false),
			OtelEndpoint:       getenv(v, "OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			OtelProtocol:       strings.ToLower(getenv(v, "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv(v, "OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			OtelSamplingRatio:  getenvFloat(v, "OTEL_SAMPLING_RATIO", 0.1),
		},
	}
	cfg.Environment = getenv(v, "DEPLOYMENT_ENV", cfg.Environment)
	cfg.AppVersion = getenv(v, "SERVICE_VERSION", cfg.AppVersion)

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(v *viper.Viper, key, def string) string {
	if value := strings.TrimSpace(v.GetString(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(v *viper.Viper, key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(v.GetString(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(v *viper.Viper, key string, def int) int {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(v *viper.Viper, key string, def int64) int64 {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(v *viper.Viper, key string, def float64) float64 {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
