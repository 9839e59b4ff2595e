package redis

import (
	"context"
	"errors"
	"time"

	"AnonChatService/pkg/database"
	"AnonChatService/pkg/resilience"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResilientCacheRepository добавляет механизмы отказоустойчивости к кэш-репозиторию.
// При недоступности Redis маркеры и блокировки считаются захваченными: от повторов
// защищают уникальные ограничения в базе и идемпотентность плановых задач.
type ResilientCacheRepository struct {
	client        *redis.Client
	repo          *CacheRepository
	logger        *zap.Logger
	healthChecker *database.HealthChecker
}

// NewResilientCacheRepository создает новый экземпляр отказоустойчивого кэш-репозитория
func NewResilientCacheRepository(client *redis.Client, healthChecker *database.HealthChecker, logger *zap.Logger) *ResilientCacheRepository {
	if healthChecker == nil {
		healthChecker = database.NewDatabaseHealthChecker(nil, client, logger)
	}

	return &ResilientCacheRepository{
		client:        client,
		repo:          NewCacheRepository(client),
		logger:        logger,
		healthChecker: healthChecker,
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 1*time.Second)
}

func (r *ResilientCacheRepository) execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return r.healthChecker.WithRedisResilience(ctx, operation, func(ctx context.Context) error {
		return database.SafeRedisOperation(ctx, r.client, r.logger, operation, func(ctx context.Context, client *redis.Client) error {
			return fn(ctx)
		})
	})
}

// Claim ставит маркер входящего события с отказоустойчивостью
func (r *ResilientCacheRepository) Claim(ctx context.Context, kind, id string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var claimed bool
	err := r.execute(ctx, "claim_inbound_marker", func(ctx context.Context) error {
		var opErr error
		claimed, opErr = r.repo.Claim(ctx, kind, id)
		return opErr
	})

	if err != nil {
		r.logger.Warn("Failed to set inbound marker, relying on database constraints",
			zap.Error(err),
			zap.String("kind", kind),
			zap.String("id", id))
		return true, nil
	}

	return claimed, nil
}

// Release снимает маркер входящего события; ошибки игнорируются
func (r *ResilientCacheRepository) Release(ctx context.Context, kind, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.execute(ctx, "release_inbound_marker", func(ctx context.Context) error {
		return r.repo.Release(ctx, kind, id)
	})

	if err != nil {
		r.logger.Warn("Failed to release inbound marker",
			zap.Error(err),
			zap.String("kind", kind),
			zap.String("id", id))
	}

	return nil
}

// AcquireLock захватывает блокировку окна плановой задачи
func (r *ResilientCacheRepository) AcquireLock(ctx context.Context, name string, window time.Duration, now time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var acquired bool
	err := r.execute(ctx, "acquire_sweep_lock", func(ctx context.Context) error {
		var opErr error
		acquired, opErr = r.repo.AcquireLock(ctx, name, window, now)
		return opErr
	})

	if err != nil {
		r.logger.Warn("Failed to acquire sweep lock, running anyway",
			zap.Error(err),
			zap.String("lock", name))
		return true, nil
	}

	return acquired, nil
}

// SetUserID кэширует ID пользователя; ошибки кэша не прерывают обработку
func (r *ResilientCacheRepository) SetUserID(ctx context.Context, mobileNumber string, userID uint) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.execute(ctx, "set_user_lookup", func(ctx context.Context) error {
		return r.repo.SetUserID(ctx, mobileNumber, userID)
	})

	if err != nil {
		r.logger.Warn("Failed to cache user lookup, continuing without caching",
			zap.Error(err),
			zap.Uint("user_id", userID))
	}

	return nil
}

// GetUserID получает ID пользователя из кэша с короткими повторами
func (r *ResilientCacheRepository) GetUserID(ctx context.Context, mobileNumber string) (uint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var userID uint

	retryOptions := resilience.DefaultRetryOptions()
	retryOptions.MaxRetries = 1
	retryOptions.InitialBackoff = 50 * time.Millisecond
	retryOptions.MaxBackoff = 100 * time.Millisecond
	retryOptions.PermanentErrors = []error{redis.Nil}

	err := resilience.WithRetry(ctx, r.logger, "get_user_lookup", retryOptions, func(ctx context.Context) error {
		return r.healthChecker.WithRedisResilience(ctx, "get_user_lookup", func(ctx context.Context) error {
			var opErr error
			userID, opErr = r.repo.GetUserID(ctx, mobileNumber)
			return opErr
		})
	})

	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Debug("User lookup cache unavailable", zap.Error(err))
	}

	return userID, err
}

// DeleteUserID удаляет запись кэша; ошибки игнорируются
func (r *ResilientCacheRepository) DeleteUserID(ctx context.Context, mobileNumber string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.execute(ctx, "delete_user_lookup", func(ctx context.Context) error {
		return r.repo.DeleteUserID(ctx, mobileNumber)
	})

	if err != nil {
		r.logger.Warn("Failed to delete user lookup", zap.Error(err))
	}

	return nil
}
