package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	LogLevel string
	Env      string
	NodeID   string

	// DatabaseURL empty means in-memory repositories (single node, lost
	// on restart).
	DatabaseURL string
	// RedisURL empty turns the cross-node relay off.
	RedisURL string

	AMQPURL      string
	AMQPExchange string

	// OTLPEndpoint empty keeps tracing in-process (spans are dropped).
	OTLPEndpoint string

	JWTSecret string

	AttachmentStoreURL string
	AttachmentTimeout  time.Duration
	MaxUploadBytes     int64

	JoinCooldown     time.Duration
	SubscriberBuffer int
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:               GetEnv("PORT", "8081"),
		Env:                GetEnv("ENV", "development"),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		NodeID:             GetEnv("NODE_ID", defaultNodeID()),
		DatabaseURL:        GetEnv("DATABASE_URL", ""),
		RedisURL:           GetEnv("REDIS_URL", ""),
		AMQPURL:            GetEnv("AMQP_URL", ""),
		AMQPExchange:       GetEnv("AMQP_EXCHANGE", "pods.events"),
		OTLPEndpoint:       GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		JWTSecret:          GetEnv("JWT_SECRET", ""),
		AttachmentStoreURL: GetEnv("ATTACHMENT_STORE_URL", ""),
	}

	var err error
	if cfg.AttachmentTimeout, err = getDuration("ATTACHMENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.JoinCooldown, err = getDuration("JOIN_COOLDOWN", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	buffer, err := getInt64("SUBSCRIBER_BUFFER", 64)
	if err != nil {
		return nil, err
	}
	cfg.SubscriberBuffer = int(buffer)

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: want a positive duration like 15m, got %q", key, raw)
	}
	return d, nil
}

func getInt64(key string, defaultValue int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: want a positive integer, got %q", key, raw)
	}
	return n, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "podsync"
	}
	return host
}
