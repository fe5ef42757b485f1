package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the rider and bus API
// process. Values come from the environment with defaults that let the
// binary run locally with no backing services at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers      []string
	RideTopic         string
	BusLocationsTopic string

	PGDSN string

	NominatimURL     string
	GeocodeUserAgent string
	GeocodeTimeout   time.Duration
	GeocodeCacheTTL  time.Duration

	// RideServiceURL is where sessions send ride requests. Empty means this
	// process's own /passenger/request_ride.
	RideServiceURL     string
	RideRequestTimeout time.Duration
	CountdownSeconds   int
	SessionIdleTimeout time.Duration

	BusPingInterval time.Duration
	DefaultSpeedMps float64
	MatcherTopN     int
	OSRMURL         string

	FeaturesPath string

	// AllowedOrigins lists browser origins allowed to open websockets; "*"
	// allows any. Empty means same-origin only.
	AllowedOrigins []string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "buses_geo",
		RideTopic:          "ride-requests",
		BusLocationsTopic:  "bus-locations",
		NominatimURL:       "https://nominatim.openstreetmap.org",
		GeocodeUserAgent:   "ridebus/1.0",
		GeocodeTimeout:     5 * time.Second,
		GeocodeCacheTTL:    24 * time.Hour,
		CountdownSeconds:   300,
		SessionIdleTimeout: 30 * time.Minute,
		BusPingInterval:    5 * time.Second,
		DefaultSpeedMps:    10,
		MatcherTopN:        8,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.RideTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.BusLocationsTopic, "KAFKA_LOCATIONS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setStringFromEnv(&cfg.GeocodeUserAgent, "GEOCODE_USER_AGENT")
	setDurationFromEnv(&cfg.GeocodeTimeout, "GEOCODE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.RideServiceURL, "RIDE_SERVICE_URL")
	setDurationFromEnv(&cfg.RideRequestTimeout, "RIDE_REQUEST_TIMEOUT", &errs)
	setIntFromEnv(&cfg.CountdownSeconds, "COUNTDOWN_SECONDS", &errs)
	setDurationFromEnv(&cfg.SessionIdleTimeout, "SESSION_IDLE_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.BusPingInterval, "BUS_PING_INTERVAL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")

	setStringFromEnv(&cfg.FeaturesPath, "FEATURES_PATH")
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.CountdownSeconds <= 0 {
		errs = append(errs, fmt.Errorf("COUNTDOWN_SECONDS must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.BusPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("BUS_PING_INTERVAL must be > 0"))
	}
	if cfg.SessionIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the location consumer's share of the environment.
type ConsumerConfig struct {
	KafkaBrokers      []string
	BusLocationsTopic string
	GroupID           string
	RedisAddr         string
	RedisPassword     string
	RedisGeoKey       string
	MetricsAddr       string
	LogLevel          string
}

func LoadConsumerConfig() ConsumerConfig {
	cfg := ConsumerConfig{
		KafkaBrokers:      []string{"localhost:9092"},
		BusLocationsTopic: "bus-locations",
		GroupID:           "ridebus-location-consumer",
		RedisAddr:         "localhost:6379",
		RedisGeoKey:       "buses_geo",
		MetricsAddr:       ":2112",
		LogLevel:          "info",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.BusLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return cfg
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
