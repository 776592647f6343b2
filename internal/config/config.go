package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig captures all tunable parameters for the wallet API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally with an in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisDevicesKey string

	PGDSN         string
	RunMigrations bool
	StoreLatency  time.Duration

	LedgerNamespace string
	OpeningBalance  decimal.Decimal
	// RatePerKm is the only pricing rate; every ride is priced with it.
	RatePerKm decimal.Decimal
	Currency  string

	FundingDelay time.Duration
	StripeAPIKey string
	StripeMethod string
	MapsAPIKey   string
	GeocodeTTL   time.Duration
	KafkaBrokers []string
	KafkaTopic   string
	LogLevel     string
}

// ConsumerConfig configures the event projection consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	ActivityLimit int
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisDevicesKey: "devices_geo",
		LedgerNamespace: "wallet:default",
		RatePerKm:       decimal.NewFromInt(300),
		Currency:        "NGN",
		FundingDelay:    3 * time.Second,
		GeocodeTTL:      10 * time.Minute,
		KafkaTopic:      "ledger-events",
		LogLevel:        "info",
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
	setStringFromEnv(&cfg.RedisDevicesKey, "REDIS_DEVICES_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.StoreLatency, "STORE_LATENCY", &errs)

	setStringFromEnv(&cfg.LedgerNamespace, "LEDGER_NAMESPACE")
	setDecimalFromEnv(&cfg.OpeningBalance, "LEDGER_OPENING_BALANCE", &errs)
	setDecimalFromEnv(&cfg.RatePerKm, "RIDE_RATE_PER_KM", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	setDurationFromEnv(&cfg.FundingDelay, "FUNDING_DELAY", &errs)
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeMethod = os.Getenv("STRIPE_PAYMENT_METHOD")
	cfg.MapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.GeocodeTTL, "GEOCODE_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RatePerKm.IsNegative() {
		errs = append(errs, fmt.Errorf("RIDE_RATE_PER_KM must be >= 0"))
	}
	if cfg.OpeningBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("LEDGER_OPENING_BALANCE must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "ledger-events",
		KafkaGroup:    "ride-wallet-projector",
		RedisAddr:     "localhost:6379",
		MetricsAddr:   ":2112",
		ActivityLimit: 50,
		LogLevel:      "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.ActivityLimit, "ACTIVITY_LIMIT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ActivityLimit <= 0 {
		errs = append(errs, fmt.Errorf("ACTIVITY_LIMIT must be > 0"))
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

func setDecimalFromEnv(target *decimal.Decimal, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := decimal.NewFromString(v)
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
