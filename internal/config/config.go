package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the API process.
// Values come from the environment, optionally seeded from a .env file,
// with defaults that run locally on in-memory stores.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	OSRMURL          string
	GoogleMapsAPIKey string
	RoutingTimeout   time.Duration
	GeocodeTimeout   time.Duration
	RouteCacheTTL    time.Duration

	PresenceFreshness time.Duration
	FarePerKm         float64
	BaseFare          float64
	OTPMaxAttempts    int
	RideRequestTTL    time.Duration

	PushEndpoint   string
	PushKey        string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisPrefix:         "rc",
		KafkaLocationsTopic: "driver-locations",
		KafkaEventsTopic:    "ride-events",
		MigrationsDir:       "migrations",
		RoutingTimeout:      2 * time.Second,
		GeocodeTimeout:      2 * time.Second,
		RouteCacheTTL:       5 * time.Minute,
		PresenceFreshness:   10 * time.Minute,
		FarePerKm:           10,
		OTPMaxAttempts:      5,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.GeocodeTimeout, "GEOCODE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.PresenceFreshness, "PRESENCE_FRESHNESS", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.BaseFare, "BASE_FARE", &errs)
	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RideRequestTTL, "RIDE_REQUEST_TTL", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.FarePerKm <= 0 {
		errs = append(errs, fmt.Errorf("FARE_PER_KM must be > 0"))
	}
	if cfg.BaseFare < 0 {
		errs = append(errs, fmt.Errorf("BASE_FARE must be >= 0"))
	}
	if cfg.OTPMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.PresenceFreshness <= 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_FRESHNESS must be > 0"))
	}
	if cfg.RideRequestTTL < 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_TTL must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver-locations projection process.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-coordination-projection",
		RedisAddr:    "localhost:6379",
		RedisPrefix:  "rc",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

// loadDotEnv seeds the environment from ./.env. Variables already set win.
func loadDotEnv() {
	if path := os.Getenv("ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load(".env")
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
