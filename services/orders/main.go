package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Orders service stopped", zap.Error(err))
	}
}

func run(cfg *Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()

	pool, err := initDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.DatabaseAutoMigrate {
		if err := migrateSchema(ctx, cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	var idempotency IdempotencyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis is not reachable yet", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		idempotency = NewRedisIdempotencyStore(rdb, cfg.IdempotencyTTL)
		logger.Info("Idempotency keys enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	var publisher EventPublisher = nopPublisher{}
	if cfg.KafkaBrokers != "" {
		publisher = NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaOrderTopic)
		logger.Info("Order events enabled",
			zap.String("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaOrderTopic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Error closing event publisher", zap.Error(err))
		}
	}()

	metrics, err := newOrderMetrics(otel.Meter(instrumentationName))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	useCase := NewOrderUseCase(
		NewOrderRepository(pool),
		NewInventoryRepository(pool),
		publisher,
		logger,
		otel.Tracer(instrumentationName),
		metrics,
		OrderUseCaseConfig{
			ConflictRetries: cfg.OrderConflictRetries,
			MaxPageLimit:    cfg.MaxPageLimit,
		},
	)

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(NewOrderHandler(useCase, idempotency, logger), logger, cfg.ServiceName)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Orders service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down orders service")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Orders service stopped gracefully")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}

func initDB(ctx context.Context, cfg *Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = cfg.DatabaseMaxConns
	poolCfg.MinConns = cfg.DatabaseMinConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("Connected to bookstore database",
				zap.Int32("max_conns", poolCfg.MaxConns),
				zap.Int32("min_conns", poolCfg.MinConns))
			return pool, nil
		}
		logger.Info("Waiting for database", zap.Int("attempt", i+1))

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}
