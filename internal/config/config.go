package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	StoreDriver string
	// MemorySeedFile is a JSON list of locations loaded into the memory store.
	MemorySeedFile string
	LogLevel       string

	AutoCallerEnabled  bool
	AutoCallerInterval time.Duration
	TickTimeout        time.Duration
	Debug              bool

	CancelTokenSecret string
	CancelTokenTTL    time.Duration
	InternalToken     string

	PushProvider               string
	PushWebhookURL             string
	PushWebhookToken           string
	VAPIDPublicKey             string
	VAPIDPrivateKey            string
	VAPIDSubject               string
	PushTTL                    time.Duration
	MilestoneCacheTTL          time.Duration
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int
	KafkaBrokers               string
	KafkaTopic                 string
	RateLimitPerMinute         int
	RateLimitBurst             int
	LocationRateLimitPerMinute int
	LocationRateLimitBurst     int

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// ConfigurationError disables a single feature without stopping the process,
// unless the feature is the store.
type ConfigurationError struct {
	Feature string
	Reason  string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Feature, e.Reason)
}

// Fatal reports whether the process cannot run without the feature.
func (e ConfigurationError) Fatal() bool {
	return e.Feature == "store"
}

// Load reads the environment, seeded from a .env file when one exists.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if driver == "" {
		driver = "postgres"
	}
	secret := os.Getenv("CANCEL_TOKEN_SECRET")
	if secret == "" {
		secret = os.Getenv("ADMIN_JWT_SECRET")
	}
	intervalMS := readInt("AUTO_CALLER_INTERVAL_MS", 0)
	if intervalMS <= 0 {
		intervalMS = readInt("AUTOCALLER_INTERVAL_MS", 10000)
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "walkin.customer-events"
	}

	return Config{
		Port:           port,
		DatabaseURL:    os.Getenv("DB_DSN"),
		StoreDriver:    driver,
		MemorySeedFile: os.Getenv("MEMORY_SEED_FILE"),
		LogLevel:       os.Getenv("LOG_LEVEL"),

		AutoCallerEnabled:  readBool("AUTO_CALLER_ENABLED", true),
		AutoCallerInterval: readDurationMillis(intervalMS),
		TickTimeout:        readDurationSeconds("AUTO_CALLER_TICK_TIMEOUT_SECONDS", 30),
		Debug:              readFlag("DEBUG_AUTOCALLER"),

		CancelTokenSecret: secret,
		CancelTokenTTL:    readDurationSeconds("CANCEL_TOKEN_TTL_SEC", 86400),
		InternalToken:     os.Getenv("INTERNAL_TOKEN"),

		PushProvider:               os.Getenv("NOTIF_PUSH_PROVIDER"),
		PushWebhookURL:             os.Getenv("NOTIF_PUSH_WEBHOOK_URL"),
		PushWebhookToken:           os.Getenv("NOTIF_PUSH_WEBHOOK_TOKEN"),
		VAPIDPublicKey:             os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:            os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:               os.Getenv("VAPID_SUBJECT"),
		PushTTL:                    readDurationSeconds("PUSH_TTL_SECONDS", 3600),
		MilestoneCacheTTL:          readDurationSeconds("MILESTONE_CACHE_TTL_SECONDS", 86400),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		RedisDB:                    readInt("REDIS_DB", 0),
		KafkaBrokers:               os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:                 topic,
		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 30),
		LocationRateLimitPerMinute: readInt("LOCATION_RATE_LIMIT_PER_MIN", 600),
		LocationRateLimitBurst:     readInt("LOCATION_RATE_LIMIT_BURST", 120),

		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     readBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio: readFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}
}

// Validate lists the features that cannot run with this configuration.
func (c Config) Validate() []ConfigurationError {
	var problems []ConfigurationError
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, ConfigurationError{Feature: "store", Reason: "DB_DSN is required for the postgres store"})
		}
	case "memory":
	default:
		problems = append(problems, ConfigurationError{Feature: "store", Reason: fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver)})
	}
	if c.CancelTokenSecret == "" {
		problems = append(problems, ConfigurationError{Feature: "cancel-token", Reason: "CANCEL_TOKEN_SECRET or ADMIN_JWT_SECRET not set; token cancellation disabled"})
	}
	if c.InternalToken == "" {
		problems = append(problems, ConfigurationError{Feature: "internal-api", Reason: "INTERNAL_TOKEN not set; internal routes disabled"})
	}
	if strings.EqualFold(c.PushProvider, "webpush") && (c.VAPIDPublicKey == "" || c.VAPIDPrivateKey == "" || c.VAPIDSubject == "") {
		problems = append(problems, ConfigurationError{Feature: "push", Reason: "VAPID keys missing; falling back to log provider"})
	}
	return problems
}

func readDurationMillis(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

// readFlag accepts the loose truthy spellings operators use for debug flags.
func readFlag(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}
