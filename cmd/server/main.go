package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/cache"
	"gudangkas/backend/internal/config"
	"gudangkas/backend/internal/delivery"
	"gudangkas/backend/internal/httpapi"
	"gudangkas/backend/internal/logging"
	"gudangkas/backend/internal/outbox"
	"gudangkas/backend/internal/service"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/store/memory"
	pgstore "gudangkas/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatalf("postgres schema: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.WithField("module", "main").Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.WithField("module", "main").Info("repository: in-memory")
	}

	var idempotency cache.IdempotencyStore = cache.NoopIdempotencyStore{}
	var locker cache.Locker = cache.NoopLocker{}
	if cfg.RedisAddr != "" {
		redisStore := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			logger.WithFields(logrus.Fields{"module": "main", "error": err.Error()}).Warn("redis unavailable, idempotency and job locks disabled")
			_ = redisStore.Close()
		} else {
			idempotency = redisStore
			locker = redisStore.Locker()
			closers = append(closers, redisStore.Close)
			logger.WithField("module", "main").Info("cache: redis")
		}
	}

	var spool outbox.Spool = outbox.NewMemorySpool()
	if cfg.OutboxPath != "" {
		sqliteSpool, err := outbox.OpenSQLite(cfg.OutboxPath)
		if err != nil {
			logger.Fatalf("outbox spool %s: %v", cfg.OutboxPath, err)
		}
		spool = sqliteSpool
		closers = append(closers, sqliteSpool.Close)
		logger.WithFields(logrus.Fields{"module": "main", "path": cfg.OutboxPath}).Info("outbox: sqlite")
	}

	var provider delivery.Provider = delivery.Unconfigured{}
	if cfg.DeliveryProviderURL != "" {
		provider = delivery.NewHTTPProvider(delivery.HTTPConfig{
			BaseURL:       cfg.DeliveryProviderURL,
			Token:         cfg.DeliveryProviderToken,
			Timeout:       cfg.DeliveryTimeout,
			RatePerSecond: cfg.DeliveryRatePerSecond,
		})
	}

	svc := service.New(repo, service.Options{
		Provider:       provider,
		Spool:          spool,
		Locker:         locker,
		Logger:         logger,
		SyncBatchLimit: cfg.SyncBatchLimit,
		SyncBackoff:    cfg.SyncBackoff(),
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.SyncSecret)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         logger,
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go svc.RunCashMovementReplay(runCtx, cfg.OutboxReplayInterval, 100)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("module", "main").Infof("ledger backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopRun()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "main", "main", "shutdown", nil, err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logging.LogError(logger, "main", "main", "close", nil, err)
		}
	}

	logger.WithField("module", "main").Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SyncSecret == "" {
		return nil
	}
	if len(cfg.SyncSecret) < 24 {
		return fmt.Errorf("SYNC_SECRET must be at least 24 characters when set")
	}
	if err := validateSecretStrength(cfg.SyncSecret); err != nil {
		return fmt.Errorf("SYNC_SECRET is too weak: %w", err)
	}
	if cfg.SyncSecret == cfg.AuthSecret {
		return fmt.Errorf("SYNC_SECRET must differ from AUTH_SECRET")
	}
	return nil
}

// validateSecretStrength rejects secrets made of one repeated character,
// ascending or descending runs, and well-known placeholders.
func validateSecretStrength(secret string) error {
	lowered := strings.ToLower(secret)
	for _, placeholder := range []string{"changeme", "change-me", "password", "secret", "qwerty"} {
		if strings.Contains(lowered, placeholder) {
			return fmt.Errorf("placeholder value not allowed")
		}
	}

	allSame := true
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("repeated character not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(secret); i++ {
		diff := int(secret[i]) - int(secret[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential value not allowed")
	}
	return nil
}
