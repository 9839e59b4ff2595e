package database

import (
	"context"
	"errors"
	"time"

	"AnonChatService/config"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/resilience"
	"AnonChatService/pkg/server"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HealthChecker предоставляет функции для проверки состояния баз данных
// и выполнения операций под защитой circuit breaker
type HealthChecker struct {
	db           *gorm.DB
	redisClient  *redis.Client
	logger       *zap.Logger
	pgCircuit    *resilience.CircuitBreaker
	redisCircuit *resilience.CircuitBreaker
	dbTimeout    time.Duration
	redisTimeout time.Duration
}

// NewDatabaseHealthChecker создает новый экземпляр проверки состояния баз данных
func NewDatabaseHealthChecker(db *gorm.DB, redisClient *redis.Client, logger *zap.Logger) *HealthChecker {
	return NewDatabaseHealthCheckerWithConfig(db, redisClient, logger, config.DefaultResilienceConfig())
}

// NewDatabaseHealthCheckerWithConfig создает проверку состояния с заданными настройками отказоустойчивости
func NewDatabaseHealthCheckerWithConfig(db *gorm.DB, redisClient *redis.Client, logger *zap.Logger, cfg config.ResilienceConfig) *HealthChecker {
	pgCircuit := resilience.NewCircuitBreaker("postgres", cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout, logger, apperrors.IgnoredErrors...)
	redisCircuit := resilience.NewCircuitBreaker("redis", cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout, logger, apperrors.IgnoredErrors...)

	for _, cb := range []*resilience.CircuitBreaker{pgCircuit, redisCircuit} {
		cb.OnStateChange(func(name string, state resilience.CircuitState) {
			server.RecordCircuitBreakerStateChange(name, int(state))
		})
	}

	return &HealthChecker{
		db:           db,
		redisClient:  redisClient,
		logger:       logger,
		pgCircuit:    pgCircuit,
		redisCircuit: redisCircuit,
		dbTimeout:    cfg.Database.CommandTimeout,
		redisTimeout: cfg.Redis.CommandTimeout,
	}
}

// IsDatabaseHealthy проверяет здоровье PostgreSQL
func (c *HealthChecker) IsDatabaseHealthy(ctx context.Context) bool {
	if c.db == nil {
		return false
	}

	var result int
	err := c.pgCircuit.Execute(ctx, "postgres_health_check", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		sqlDB, err := c.db.DB()
		if err != nil {
			return err
		}

		return sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	})

	return err == nil && result == 1
}

// IsRedisHealthy проверяет здоровье Redis
func (c *HealthChecker) IsRedisHealthy(ctx context.Context) bool {
	if c.redisClient == nil {
		return false
	}

	err := c.redisCircuit.Execute(ctx, "redis_health_check", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		return c.redisClient.Ping(ctx).Err()
	})

	return err == nil
}

// WithDatabaseResilience выполняет операцию в базе данных с механизмами отказоустойчивости
func (c *HealthChecker) WithDatabaseResilience(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	startTime := time.Now()

	err := c.pgCircuit.Execute(ctx, operation, func(ctx context.Context) error {
		if c.dbTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.dbTimeout)
			defer cancel()
		}
		return fn(ctx)
	})

	if apperrors.IsNotFound(err) || errors.Is(err, apperrors.ErrConflict) {
		c.logger.Debug("Ожидаемая ошибка, не учитывается circuit breaker",
			zap.String("operation", operation),
			zap.Error(err))
	}

	server.RecordDBOperation(operation, time.Since(startTime), ignoreExpected(err))

	return err
}

// WithRedisResilience выполняет операцию в Redis с механизмами отказоустойчивости
func (c *HealthChecker) WithRedisResilience(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	err := c.redisCircuit.Execute(ctx, operation, func(ctx context.Context) error {
		if c.redisTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.redisTimeout)
			defer cancel()
		}
		return fn(ctx)
	})

	if errors.Is(err, redis.Nil) {
		c.logger.Debug("Ключ не найден в Redis, это не ошибка для circuit breaker",
			zap.String("operation", operation))
	}

	server.RecordCacheOperation(operation, ignoreExpected(err))

	return err
}

// SafeDBOperation выполняет операцию в базе данных, логируя ошибки и добавляя контекст
func SafeDBOperation(ctx context.Context, db *gorm.DB, logger *zap.Logger, operation string, fn func(tx *gorm.DB) error) error {
	err := fn(db.WithContext(ctx))
	if err == nil {
		return nil
	}

	// Не найденные записи и проигранные гонки штатны, их обрабатывает бизнес-логика
	if apperrors.IsNotFound(err) || errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrDuplicate) {
		return err
	}

	logger.Error("Database operation failed",
		zap.String("operation", operation),
		zap.Error(err))

	if errors.Is(err, gorm.ErrInvalidTransaction) {
		logger.Error("Database transaction failed due to invalid transaction",
			zap.String("operation", operation))
	}

	return err
}

// SafeRedisOperation выполняет операцию в Redis, логируя ошибки и добавляя контекст
func SafeRedisOperation(ctx context.Context, client *redis.Client, logger *zap.Logger, operation string, fn func(ctx context.Context, client *redis.Client) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}

	err := fn(ctx, client)
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}

	logger.Error("Redis operation failed",
		zap.String("operation", operation),
		zap.Error(err))

	if errors.Is(err, context.DeadlineExceeded) {
		logger.Error("Redis operation timed out", zap.String("operation", operation))
	} else if errors.Is(err, redis.ErrClosed) {
		logger.Error("Redis connection closed", zap.String("operation", operation))
	}

	return err
}

func ignoreExpected(err error) error {
	for _, ignored := range apperrors.IgnoredErrors {
		if errors.Is(err, ignored) {
			return nil
		}
	}
	return err
}
