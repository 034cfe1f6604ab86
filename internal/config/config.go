package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewRateLimitPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// SnowflakeNode must be unique per running instance.
	SnowflakeNode int64

	AuthCookieSecure bool
	AuthCookieDomain string

	Observability ObservabilityConfig

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
	RunMigrations     bool

	Redis RedisConfig

	OAuth2 OAuth2Config

	Session SessionConfig

	// ServiceSecret gates the service-to-service session endpoints.
	ServiceSecret string

	ExternalIDP ExternalIDPConfig
}

// ObservabilityConfig drives logging, tracing and metric export. The OTEL_*
// variables follow the OpenTelemetry SDK names.
type ObservabilityConfig struct {
	LogLevel          string
	LogFormat         string
	OtelEnabled       bool
	OTLPEndpoint      string
	OTLPProtocol      string
	SamplingRatio     float64
	SlowQueryDuration time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type OAuth2Config struct {
	Issuer                    string
	JWTSecret                 string
	CodeTTL                   time.Duration
	AccessTTL                 time.Duration
	RefreshTTL                time.Duration
	DeviceCodeTTL             time.Duration
	DeviceInterval            time.Duration
	DeviceSlowDownStep        time.Duration
	VerificationURI           string
	RefreshReuseRevokesFamily bool
	CleanupInterval           time.Duration
}

type SessionConfig struct {
	Secret              string
	TTL                 time.Duration
	ActorIdleTimeout    time.Duration
	LegacyCookieEnabled bool
}

type ExternalIDPConfig struct {
	IntrospectionURL string
	CookieName       string
	ClientSecret     string
	Timeout          time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	cfg := Config{
		AppName:          getenv("APP_SERVICE", "grove-auth"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Environment:      environment,
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		SnowflakeNode:    int64(getenvInt("SNOWFLAKE_NODE", 1)),
		AuthCookieSecure: authCookieSecure,
		AuthCookieDomain: strings.TrimSpace(getenv("AUTH_COOKIE_DOMAIN", "")),

		Observability: loadObservability(),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "grove"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		RunMigrations:     getenvBool("DATABASE_RUN_MIGRATIONS", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		OAuth2: OAuth2Config{
			Issuer:                    getenv("OAUTH2_ISSUER", "https://auth.grove.blog"),
			JWTSecret:                 strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
			CodeTTL:                   getenvDuration("OAUTH2_CODE_TTL", 5*time.Minute),
			AccessTTL:                 getenvDuration("OAUTH2_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:                getenvDuration("OAUTH2_REFRESH_TTL", 30*24*time.Hour),
			DeviceCodeTTL:             getenvDuration("OAUTH2_DEVICE_CODE_TTL", 15*time.Minute),
			DeviceInterval:            getenvDuration("OAUTH2_DEVICE_INTERVAL", 5*time.Second),
			DeviceSlowDownStep:        getenvDuration("OAUTH2_DEVICE_SLOW_DOWN_STEP", 5*time.Second),
			VerificationURI:           getenv("OAUTH2_VERIFICATION_URI", "https://grove.blog/device"),
			RefreshReuseRevokesFamily: getenvBool("REFRESH_REUSE_REVOKES_FAMILY", true),
			CleanupInterval:           getenvDuration("OAUTH2_CLEANUP_INTERVAL", 10*time.Minute),
		},

		Session: SessionConfig{
			Secret:              strings.TrimSpace(getenv("SESSION_SECRET", "")),
			TTL:                 getenvDuration("SESSION_TTL", 30*24*time.Hour),
			ActorIdleTimeout:    getenvDuration("SESSION_ACTOR_IDLE_TIMEOUT", 5*time.Minute),
			LegacyCookieEnabled: getenvBool("SESSION_LEGACY_COOKIE_ENABLED", true),
		},

		ServiceSecret: strings.TrimSpace(getenv("SERVICE_SECRET", "")),

		ExternalIDP: ExternalIDPConfig{
			IntrospectionURL: strings.TrimSpace(getenv("EXTERNAL_IDP_INTROSPECTION_URL", "")),
			CookieName:       getenv("EXTERNAL_IDP_COOKIE", "__session"),
			ClientSecret:     strings.TrimSpace(getenv("EXTERNAL_IDP_CLIENT_SECRET", "")),
			Timeout:          getenvDuration("EXTERNAL_IDP_TIMEOUT", 3*time.Second),
		},
	}

	return cfg
}

func loadObservability() ObservabilityConfig {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	return ObservabilityConfig{
		LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		OtelEnabled:       getenvBool("OTEL_ENABLED", true),
		OTLPEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
		OTLPProtocol:      strings.ToLower(strings.TrimSpace(protocol)),
		SamplingRatio:     getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		SlowQueryDuration: getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("15m") or plain seconds ("900").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
