package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TestResilientCacheRepository_WithWorkingRedis тестирует обычную работу
func TestResilientCacheRepository_WithWorkingRedis(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := NewResilientCacheRepository(client, nil, zap.NewNop())
	ctx := context.Background()

	if claimed, err := repo.Claim(ctx, "message", "g1"); err != nil || !claimed {
		t.Fatalf("Expected claim, got %v %v", claimed, err)
	}
	if claimed, _ := repo.Claim(ctx, "message", "g1"); claimed {
		t.Error("Expected duplicate to be detected")
	}

	repo.SetUserID(ctx, "+27790000001", 7)
	if id, err := repo.GetUserID(ctx, "+27790000001"); err != nil || id != 7 {
		t.Errorf("Expected cached id 7, got %d (%v)", id, err)
	}

	if _, err := repo.GetUserID(ctx, "+27790000002"); !errors.Is(err, redis.Nil) {
		t.Errorf("Expected cache miss, got %v", err)
	}
}

// TestResilientCacheRepository_WithRedisFailures тестирует работу без Redis
func TestResilientCacheRepository_WithRedisFailures(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := NewResilientCacheRepository(client, nil, zap.NewNop())
	ctx := context.Background()

	mr.Close()

	t.Run("ClaimFailsOpen", func(t *testing.T) {
		claimed, err := repo.Claim(ctx, "message", "g2")
		if err != nil || !claimed {
			t.Errorf("Expected fail-open claim, got %v %v", claimed, err)
		}
	})

	t.Run("LockFailsOpen", func(t *testing.T) {
		acquired, err := repo.AcquireLock(ctx, "sweep.cleanup", time.Minute, time.Now())
		if err != nil || !acquired {
			t.Errorf("Expected fail-open lock, got %v %v", acquired, err)
		}
	})

	t.Run("WritesIgnoreErrors", func(t *testing.T) {
		if err := repo.SetUserID(ctx, "+27790000003", 1); err != nil {
			t.Errorf("Expected SetUserID to swallow error, got %v", err)
		}
		if err := repo.Release(ctx, "message", "g2"); err != nil {
			t.Errorf("Expected Release to swallow error, got %v", err)
		}
	})

	t.Run("ReadReturnsError", func(t *testing.T) {
		if _, err := repo.GetUserID(ctx, "+27790000003"); err == nil {
			t.Error("Expected lookup to fail without Redis")
		}
	})
}
