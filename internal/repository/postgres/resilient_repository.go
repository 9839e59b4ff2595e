package postgres

import (
	"context"
	"errors"

	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/database"
	"AnonChatService/pkg/resilience"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// resilientRepository общая основа репозиториев: circuit breaker, таймауты,
// метрики и повтор чтений при временных сбоях
type resilientRepository struct {
	db            *gorm.DB
	logger        *zap.Logger
	healthChecker *database.HealthChecker
}

func newResilientRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) resilientRepository {
	if healthChecker == nil {
		healthChecker = database.NewDatabaseHealthChecker(db, nil, logger)
	}
	return resilientRepository{
		db:            db,
		logger:        logger,
		healthChecker: healthChecker,
	}
}

// write выполняет изменяющую операцию без повторов: повтор делает очередь задач
func (r *resilientRepository) write(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	return r.healthChecker.WithDatabaseResilience(ctx, operation, func(ctx context.Context) error {
		return database.SafeDBOperation(ctx, r.db, r.logger, operation, func(tx *gorm.DB) error {
			return translate(fn(tx))
		})
	})
}

// read выполняет чтение с повторными попытками
func (r *resilientRepository) read(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	return r.healthChecker.WithDatabaseResilience(ctx, operation, func(ctx context.Context) error {
		retryOptions := resilience.DefaultRetryOptions()
		retryOptions.MaxRetries = 2
		retryOptions.PermanentErrors = append(append([]error{}, apperrors.IgnoredErrors...), context.Canceled, context.DeadlineExceeded)

		return resilience.WithRetry(ctx, r.logger, operation, retryOptions, func(ctx context.Context) error {
			return database.SafeDBOperation(ctx, r.db, r.logger, operation, func(tx *gorm.DB) error {
				return translate(fn(tx))
			})
		})
	})
}

// transaction выполняет fn в транзакции под защитой circuit breaker
func (r *resilientRepository) transaction(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	return r.write(ctx, operation, func(tx *gorm.DB) error {
		return tx.Transaction(fn)
	})
}

// translate приводит ошибки драйвера к классам apperrors
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperrors.ErrDuplicate
	default:
		return err
	}
}
