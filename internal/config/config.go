package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the carpool service.
type Config struct {
	HTTPAddr      string
	GRPCAddr      string
	PostgresDSN   string
	RedisAddr     string
	NATSURL       string
	AMQPURL       string
	AMQPExchange  string
	EventsSubject string
	LogLevel      string
	Migrate       bool

	JWTSecret string
	JWTTTL    time.Duration

	BcryptCost     int
	UploadDir      string
	UploadMaxBytes int64

	BookingMaxAttempts int
	BookingBackoff     time.Duration
	IdempotencyTTL     time.Duration

	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int

	RateReadRPS    float64
	RateReadBurst  float64
	RateWriteRPS   float64
	RateWriteBurst float64
}

// Load reads an optional .env file (or the files named) and then the process
// environment. Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the process environment only.
func FromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:      getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:   firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		NATSURL:       os.Getenv("NATS_URL"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		AMQPExchange:  getenv("AMQP_EXCHANGE", "carpool"),
		EventsSubject: getenv("EVENTS_SUBJECT", "carpool.events"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Migrate:       parseBoolEnv("MIGRATE", true),

		JWTSecret: getenv("JWT_SECRET", "dev-secret"),
		JWTTTL:    time.Duration(parseIntEnv("JWT_TTL_MIN", 60)) * time.Minute,

		BcryptCost:     parseIntEnv("BCRYPT_COST", 10),
		UploadDir:      getenv("UPLOAD_DIR", "./uploads"),
		UploadMaxBytes: int64(parseIntEnv("UPLOAD_MAX_BYTES", 5<<20)),

		BookingMaxAttempts: parseIntEnv("BOOKING_MAX_ATTEMPTS", 3),
		BookingBackoff:     time.Duration(parseIntEnv("BOOKING_BACKOFF_MS", 20)) * time.Millisecond,
		IdempotencyTTL:     time.Duration(parseIntEnv("IDEMPOTENCY_TTL_SEC", 86400)) * time.Second,

		OutboxPoll:  time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),

		RateReadRPS:    parseFloatEnv("RATE_READ_RPS", 0),
		RateReadBurst:  parseFloatEnv("RATE_READ_BURST", 0),
		RateWriteRPS:   parseFloatEnv("RATE_WRITE_RPS", 0),
		RateWriteBurst: parseFloatEnv("RATE_WRITE_BURST", 0),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}
