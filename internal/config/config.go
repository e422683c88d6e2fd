package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	SyncSecret            string
	SyncBatchLimit        int
	SyncBackoffHours      int
	DeliveryProviderURL   string
	DeliveryProviderToken string
	DeliveryTimeout       time.Duration
	DeliveryRatePerSecond float64
	OutboxPath            string
	OutboxReplayInterval  time.Duration
	IdempotencyTTL        time.Duration
	LogLevel              string
}

func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("SYNC_BATCH_LIMIT", 50)
	v.SetDefault("SYNC_BACKOFF_HOURS", 6)
	v.SetDefault("DELIVERY_TIMEOUT_SECONDS", 15)
	v.SetDefault("DELIVERY_RATE_PER_SECOND", 5)
	v.SetDefault("OUTBOX_REPLAY_INTERVAL_SECONDS", 30)
	v.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		SyncSecret:            strings.TrimSpace(v.GetString("SYNC_SECRET")),
		SyncBatchLimit:        positive(v.GetInt("SYNC_BATCH_LIMIT"), 50),
		SyncBackoffHours:      positive(v.GetInt("SYNC_BACKOFF_HOURS"), 6),
		DeliveryProviderURL:   strings.TrimRight(strings.TrimSpace(v.GetString("DELIVERY_PROVIDER_URL")), "/"),
		DeliveryProviderToken: strings.TrimSpace(v.GetString("DELIVERY_PROVIDER_TOKEN")),
		DeliveryTimeout:       time.Duration(positive(v.GetInt("DELIVERY_TIMEOUT_SECONDS"), 15)) * time.Second,
		DeliveryRatePerSecond: v.GetFloat64("DELIVERY_RATE_PER_SECOND"),
		OutboxPath:            strings.TrimSpace(v.GetString("OUTBOX_PATH")),
		OutboxReplayInterval:  time.Duration(positive(v.GetInt("OUTBOX_REPLAY_INTERVAL_SECONDS"), 30)) * time.Second,
		IdempotencyTTL:        time.Duration(positive(v.GetInt("IDEMPOTENCY_TTL_HOURS"), 24)) * time.Hour,
		LogLevel:              v.GetString("LOG_LEVEL"),
	}
	if cfg.DeliveryRatePerSecond <= 0 {
		cfg.DeliveryRatePerSecond = 5
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SyncBackoff() time.Duration {
	return time.Duration(c.SyncBackoffHours) * time.Hour
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}
