package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Storage and geo index backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NewRelic  NewRelicConfig
	Metrics   MetricsConfig
	Kafka     KafkaConfig
	Dispatch  DispatchConfig
	Registry  RegistryConfig
	Pricing   PricingConfig
	WebSocket WebSocketConfig
	Log       LogConfig
	Features  FeatureFlags
}

type ServerConfig struct {
	Port            string
	Env             string
	Host            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host           string
	Port           string
	Name           string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MaxIdleConns   int
	MaxLifetime    time.Duration
	MigrateOnStart bool
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	GeoKey      string
}

type NewRelicConfig struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	Buffer       int
}

// DispatchConfig tunes the matcher
type DispatchConfig struct {
	SearchRadiusKM        float64
	MaxCandidates         int
	MaxAssignmentAttempts int
	OfferTimeout          time.Duration
	ScheduleLead          time.Duration
	SearchTimeout         time.Duration
	SchedulerTick         time.Duration
	RequireFareEstimate   bool
}

// RegistryConfig tunes driver tracking
type RegistryConfig struct {
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	HistoryCapacity int
	NearbyLimit     int
	GeoCellDegrees  float64
}

type PricingConfig struct {
	ConfigFile string
}

type WebSocketConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	HeartbeatInterval time.Duration
	EventBuffer       int
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type FeatureFlags struct {
	StorageBackend        string
	GeoBackend            string
	EnableRealTimeUpdates bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Env:             getEnv("SERVER_ENV", "development"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			Name:           getEnv("DB_NAME", "dispatch"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getEnvAsInt("DB_MAX_CONNECTIONS", 50),
			MaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 10),
			MaxLifetime:    time.Duration(getEnvAsInt("DB_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
			MigrateOnStart: getEnvAsBool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			MaxRetries:  getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 100),
			MinIdleConn: 10,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
			GeoKey:      getEnv("REDIS_GEO_KEY", "drivers:geo"),
		},
		NewRelic: NewRelicConfig{
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			AppName:    getEnv("NEW_RELIC_APP_NAME", "GoComet-RideDispatch"),
			Enabled:    getEnvAsBool("NEW_RELIC_ENABLED", true),
			LogLevel:   getEnv("NEW_RELIC_LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Kafka: KafkaConfig{
			Enabled:      getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:      getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:        getEnv("KAFKA_TOPIC", "dispatch-events"),
			WriteTimeout: getEnvAsDuration("KAFKA_WRITE_TIMEOUT", 5*time.Second),
			Buffer:       getEnvAsInt("KAFKA_BUFFER", 1024),
		},
		Dispatch: DispatchConfig{
			SearchRadiusKM:        getEnvAsFloat64("DISPATCH_SEARCH_RADIUS_KM", 5.0),
			MaxCandidates:         getEnvAsInt("DISPATCH_MAX_CANDIDATES", 10),
			MaxAssignmentAttempts: getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 5),
			OfferTimeout:          getEnvAsDuration("DISPATCH_OFFER_TIMEOUT", 30*time.Second),
			ScheduleLead:          getEnvAsDuration("DISPATCH_SCHEDULE_LEAD", 15*time.Minute),
			SearchTimeout:         getEnvAsDuration("DISPATCH_SEARCH_TIMEOUT", 10*time.Minute),
			SchedulerTick:         getEnvAsDuration("DISPATCH_SCHEDULER_TICK", 15*time.Second),
			RequireFareEstimate:   getEnvAsBool("DISPATCH_REQUIRE_FARE", false),
		},
		Registry: RegistryConfig{
			StaleAfter:      getEnvAsDuration("REGISTRY_STALE_AFTER", 10*time.Minute),
			SweepInterval:   getEnvAsDuration("REGISTRY_SWEEP_INTERVAL", 5*time.Minute),
			HistoryCapacity: getEnvAsInt("REGISTRY_HISTORY_CAPACITY", 100),
			NearbyLimit:     getEnvAsInt("REGISTRY_NEARBY_LIMIT", 20),
			GeoCellDegrees:  getEnvAsFloat64("REGISTRY_GEO_CELL_DEGREES", 0.05),
		},
		Pricing: PricingConfig{
			ConfigFile: getEnv("FARE_CONFIG_FILE", ""),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:   getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
			HeartbeatInterval: time.Duration(getEnvAsInt("WS_HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
			EventBuffer:       getEnvAsInt("WS_EVENT_BUFFER", 1024),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Features: FeatureFlags{
			StorageBackend:        getEnv("STORAGE_BACKEND", BackendMemory),
			GeoBackend:            getEnv("GEO_INDEX_BACKEND", BackendMemory),
			EnableRealTimeUpdates: getEnvAsBool("ENABLE_REAL_TIME_UPDATES", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration, reporting every problem at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("SERVER_PORT is required"))
	}
	switch c.Features.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("DB_HOST and DB_NAME are required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Features.StorageBackend))
	}
	switch c.Features.GeoBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis geo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEO_INDEX_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.Features.GeoBackend))
	}
	if c.Dispatch.SearchRadiusKM <= 0 {
		errs = append(errs, errors.New("DISPATCH_SEARCH_RADIUS_KM must be positive"))
	}
	if c.Dispatch.MaxCandidates <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_CANDIDATES must be positive"))
	}
	if c.Dispatch.MaxAssignmentAttempts <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be positive"))
	}
	if c.Dispatch.OfferTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_OFFER_TIMEOUT must be positive"))
	}
	if c.Registry.StaleAfter <= 0 || c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("REGISTRY_STALE_AFTER and REGISTRY_SWEEP_INTERVAL must be positive"))
	}
	if c.Registry.GeoCellDegrees <= 0 {
		errs = append(errs, errors.New("REGISTRY_GEO_CELL_DEGREES must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is set"))
	}

	return errors.Join(errs...)
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	return lookup(key, defaultValue, cast.ToIntE)
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	return lookup(key, defaultValue, cast.ToFloat64E)
}

func getEnvAsBool(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, cast.ToBoolE)
}

// getEnvAsDuration accepts Go duration syntax such as "30s" or "10m"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, cast.ToDurationE)
}

func lookup[T any](key string, defaultValue T, parse func(any) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
