package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	InstanceID  string
	NodeID      int64

	OTLPEndpoint string
	Telemetry    TelemetryConfig

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

	Redis   RedisConfig
	Access  AccessConfig
	Usage   UsageConfig
	Renewal RenewalConfig
	Archive ArchiveConfig
	Cache   CacheConfig
}

// TelemetryConfig drives log output and OTLP export of traces and metrics.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

type AccessConfig struct {
	// StoreTimeout bounds every store read made while evaluating a request.
	StoreTimeout         time.Duration
	DefaultRecordCount   int64
	MaxRecordsPerQuery   int64
	RateLimitEnabled     bool
	RateLimitPerEndpoint bool
}

type UsageConfig struct {
	RetryMaxAttempts     uint
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	ReconcileMaxAttempts int
	RetentionDays        int
	RetentionInterval    time.Duration
	RetentionBatchSize   int
}

type RenewalConfig struct {
	Enabled       bool
	HorizonDays   int
	SweepInterval time.Duration
	Concurrency   int
	LeaseTTL      time.Duration
}

type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type CacheConfig struct {
	Enabled bool
	// CompressThreshold is the value size in bytes above which entries are snappy-encoded.
	CompressThreshold int
	ResolverTTL       time.Duration
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "licensegate"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		InstanceID:   getenv("INSTANCE_ID", hostname()),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", ""))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "licensegate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:        strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:    getenv("REDIS_PASSWORD", ""),
			DB:          int(getenvInt64("REDIS_DB", 0)),
			DialTimeout: getenvDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			OpTimeout:   getenvDuration("REDIS_OP_TIMEOUT", 250*time.Millisecond),
		},
		Access: AccessConfig{
			StoreTimeout:         getenvDuration("ACCESS_STORE_TIMEOUT", 2*time.Second),
			DefaultRecordCount:   getenvInt64("ACCESS_DEFAULT_RECORDS", 100),
			MaxRecordsPerQuery:   getenvInt64("ACCESS_MAX_RECORDS", 10000),
			RateLimitEnabled:     getenvBool("RATE_LIMIT_ENABLED", true),
			RateLimitPerEndpoint: getenvBool("RATE_LIMIT_PER_ENDPOINT", false),
		},
		Usage: UsageConfig{
			RetryMaxAttempts:     uint(getenvInt64("USAGE_RETRY_MAX_ATTEMPTS", 3)),
			RetryInitialInterval: getenvDuration("USAGE_RETRY_INITIAL_INTERVAL", 50*time.Millisecond),
			RetryMaxInterval:     getenvDuration("USAGE_RETRY_MAX_INTERVAL", time.Second),
			ReconcileInterval:    getenvDuration("USAGE_RECONCILE_INTERVAL", 30*time.Second),
			ReconcileBatchSize:   int(getenvInt64("USAGE_RECONCILE_BATCH", 100)),
			ReconcileMaxAttempts: int(getenvInt64("USAGE_RECONCILE_MAX_ATTEMPTS", 10)),
			RetentionDays:        int(getenvInt64("USAGE_RETENTION_DAYS", 730)),
			RetentionInterval:    getenvDuration("USAGE_RETENTION_INTERVAL", time.Hour),
			RetentionBatchSize:   int(getenvInt64("USAGE_RETENTION_BATCH", 5000)),
		},
		Renewal: RenewalConfig{
			Enabled:       getenvBool("RENEWAL_ENABLED", true),
			HorizonDays:   int(getenvInt64("RENEWAL_HORIZON_DAYS", 7)),
			SweepInterval: getenvDuration("RENEWAL_SWEEP_INTERVAL", 15*time.Minute),
			Concurrency:   int(getenvInt64("RENEWAL_CONCURRENCY", 4)),
			LeaseTTL:      getenvDuration("RENEWAL_LEASE_TTL", 5*time.Minute),
		},
		Archive: ArchiveConfig{
			Enabled:   getenvBool("ARCHIVE_ENABLED", false),
			Endpoint:  strings.TrimSpace(getenv("ARCHIVE_ENDPOINT", "")),
			AccessKey: strings.TrimSpace(getenv("ARCHIVE_ACCESS_KEY", "")),
			SecretKey: strings.TrimSpace(getenv("ARCHIVE_SECRET_KEY", "")),
			Bucket:    getenv("ARCHIVE_BUCKET", "usage-archive"),
			UseSSL:    getenvBool("ARCHIVE_USE_SSL", true),
		},
		Cache: CacheConfig{
			Enabled:           getenvBool("CACHE_ENABLED", true),
			CompressThreshold: int(getenvInt64("CACHE_COMPRESS_THRESHOLD", 4096)),
			ResolverTTL:       getenvDuration("CACHE_RESOLVER_TTL", 30*time.Second),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "licensegate"
	}
	return name
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
