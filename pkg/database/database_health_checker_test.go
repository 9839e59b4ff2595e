package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"AnonChatService/config"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/resilience"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupSQLite открывает изолированную базу SQLite в памяти
func setupSQLite(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return db
}

// setupRedis поднимает miniredis и клиент к нему
func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create mini redis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestMigrateCreatesTables(t *testing.T) {
	db := setupSQLite(t)

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	for _, table := range []string{"users", "chats", "messages", "phone_calls", "replies", "charge_requests"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("Expected table %s to exist", table)
		}
	}
}

// TestDatabaseHealthChecker_IsDatabaseHealthy тестирует проверку здоровья PostgreSQL
func TestDatabaseHealthChecker_IsDatabaseHealthy(t *testing.T) {
	_, redisClient := setupRedis(t)

	t.Run("HealthyDatabase", func(t *testing.T) {
		checker := NewDatabaseHealthChecker(setupSQLite(t), redisClient, zap.NewNop())
		if !checker.IsDatabaseHealthy(context.Background()) {
			t.Error("Expected database to be healthy")
		}
	})

	t.Run("ClosedDatabase", func(t *testing.T) {
		db := setupSQLite(t)
		sqlDB, _ := db.DB()
		sqlDB.Close()

		checker := NewDatabaseHealthChecker(db, redisClient, zap.NewNop())
		if checker.IsDatabaseHealthy(context.Background()) {
			t.Error("Expected database to be unhealthy")
		}
	})

	t.Run("NilDatabase", func(t *testing.T) {
		checker := NewDatabaseHealthChecker(nil, redisClient, zap.NewNop())
		if checker.IsDatabaseHealthy(context.Background()) {
			t.Error("Expected nil database to be unhealthy")
		}
	})
}

// TestDatabaseHealthChecker_IsRedisHealthy тестирует проверку здоровья Redis
func TestDatabaseHealthChecker_IsRedisHealthy(t *testing.T) {
	db := setupSQLite(t)

	t.Run("HealthyRedis", func(t *testing.T) {
		_, client := setupRedis(t)
		checker := NewDatabaseHealthChecker(db, client, zap.NewNop())

		if !checker.IsRedisHealthy(context.Background()) {
			t.Error("Expected Redis to be healthy")
		}
	})

	t.Run("StoppedRedis", func(t *testing.T) {
		mr, client := setupRedis(t)
		mr.Close()

		checker := NewDatabaseHealthChecker(db, client, zap.NewNop())
		if checker.IsRedisHealthy(context.Background()) {
			t.Error("Expected Redis to be unhealthy")
		}
	})
}

// TestDatabaseHealthChecker_WithDatabaseResilience тестирует выполнение операций с отказоустойчивостью
func TestDatabaseHealthChecker_WithDatabaseResilience(t *testing.T) {
	_, client := setupRedis(t)
	checker := NewDatabaseHealthChecker(setupSQLite(t), client, zap.NewNop())
	ctx := context.Background()

	t.Run("SuccessfulOperation", func(t *testing.T) {
		called := false
		err := checker.WithDatabaseResilience(ctx, "test_operation", func(ctx context.Context) error {
			called = true
			if _, ok := ctx.Deadline(); !ok {
				t.Error("Expected command timeout to be applied")
			}
			return nil
		})
		if err != nil || !called {
			t.Errorf("Expected operation to run without error, got called=%v err=%v", called, err)
		}
	})

	t.Run("NotFoundDoesNotOpenCircuit", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			err := checker.WithDatabaseResilience(ctx, "lookup", func(ctx context.Context) error {
				return gorm.ErrRecordNotFound
			})
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				t.Fatalf("Expected not found error, got %v", err)
			}
		}
		if checker.pgCircuit.GetState() != resilience.CircuitClosed {
			t.Error("Expected circuit to stay closed on not found errors")
		}
	})

	t.Run("FailuresOpenCircuit", func(t *testing.T) {
		dbErr := errors.New("connection refused")
		for i := 0; i < 5; i++ {
			_ = checker.WithDatabaseResilience(ctx, "write", func(ctx context.Context) error {
				return dbErr
			})
		}

		called := false
		err := checker.WithDatabaseResilience(ctx, "write", func(ctx context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			t.Errorf("Expected ErrCircuitOpen, got %v", err)
		}
		if called {
			t.Error("Operation was called despite open circuit")
		}
	})
}

// TestDatabaseHealthChecker_WithRedisResilience тестирует выполнение операций Redis с отказоустойчивостью
func TestDatabaseHealthChecker_WithRedisResilience(t *testing.T) {
	_, client := setupRedis(t)
	cfg := config.DefaultResilienceConfig()
	cfg.Redis.CommandTimeout = 50 * time.Millisecond
	checker := NewDatabaseHealthCheckerWithConfig(setupSQLite(t), client, zap.NewNop(), cfg)

	t.Run("TimeoutApplied", func(t *testing.T) {
		err := checker.WithRedisResilience(context.Background(), "slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	})

	t.Run("CacheMissIgnored", func(t *testing.T) {
		err := checker.WithRedisResilience(context.Background(), "get", func(ctx context.Context) error {
			return client.Get(ctx, "missing").Err()
		})
		if !errors.Is(err, apperrors.ErrCacheMiss) {
			t.Errorf("Expected cache miss, got %v", err)
		}
	})
}

// TestSafeDBOperation тестирует безопасное выполнение операций с базой данных
func TestSafeDBOperation(t *testing.T) {
	db := setupSQLite(t)
	ctx := context.Background()

	err := SafeDBOperation(ctx, db, zap.NewNop(), "ok", func(tx *gorm.DB) error {
		return tx.Exec("SELECT 1").Error
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	testErr := errors.New("database operation error")
	err = SafeDBOperation(ctx, db, zap.NewNop(), "fail", func(tx *gorm.DB) error {
		return testErr
	})
	if !errors.Is(err, testErr) {
		t.Errorf("Expected test error, got %v", err)
	}
}

// TestSafeRedisOperation тестирует безопасное выполнение операций с Redis
func TestSafeRedisOperation(t *testing.T) {
	_, client := setupRedis(t)

	err := SafeRedisOperation(context.Background(), client, zap.NewNop(), "set", func(ctx context.Context, c *redis.Client) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected default deadline to be applied")
		}
		return c.Set(ctx, "k", "v", time.Minute).Err()
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}
