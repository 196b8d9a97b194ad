package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN         string
	RunMigrations bool

	OSRMURL          string
	GoogleMapsAPIKey string
	DistanceCacheTTL time.Duration

	StripeAPIKey    string
	PaymentCurrency string

	NotifyWebhookURL string

	MaxNegotiationRounds int
	MaxPaymentAttempts   int
	RideLockTTL          time.Duration
	InviteTopN           int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         20 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaLocationTopic:   "driver-locations",
		KafkaEventsTopic:     "ride-events",
		DistanceCacheTTL:     10 * time.Minute,
		PaymentCurrency:      "usd",
		MaxNegotiationRounds: 5,
		MaxPaymentAttempts:   3,
		RideLockTTL:          10 * time.Second,
		InviteTopN:           8,
		LogLevel:             "info",
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
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.DistanceCacheTTL, "DISTANCE_CACHE_TTL", &errs)

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")

	setIntFromEnv(&cfg.MaxNegotiationRounds, "MAX_NEGOTIATION_ROUNDS", &errs)
	setIntFromEnv(&cfg.MaxPaymentAttempts, "MAX_PAYMENT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RideLockTTL, "RIDE_LOCK_TTL", &errs)
	setIntFromEnv(&cfg.InviteTopN, "INVITE_TOP_N", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MaxNegotiationRounds <= 0 {
		errs = append(errs, fmt.Errorf("MAX_NEGOTIATION_ROUNDS must be > 0"))
	}
	if cfg.MaxPaymentAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PAYMENT_ATTEMPTS must be > 0"))
	}
	if cfg.RideLockTTL <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_LOCK_TTL must be > 0"))
	}
	if cfg.InviteTopN <= 0 {
		errs = append(errs, fmt.Errorf("INVITE_TOP_N must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the event/location consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr        string
	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string
	KafkaGroup         string
	RedisAddr          string
	RedisPassword      string
	RedisGeoKey        string
	RedisRetries       int
	RedisRetryDelay    time.Duration
	LogLevel           string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaLocationTopic: "driver-locations",
		KafkaEventsTopic:   "ride-events",
		KafkaGroup:         "ride-bidding-consumer",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "drivers_geo",
		RedisRetries:       3,
		RedisRetryDelay:    200 * time.Millisecond,
		LogLevel:           "info",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RedisRetries, "REDIS_RETRIES", &errs)
	setDurationFromEnv(&cfg.RedisRetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RedisRetries <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
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
