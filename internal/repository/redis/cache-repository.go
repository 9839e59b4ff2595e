package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TTL для разных типов ключей
	inboundMarkerTTL = 48 * time.Hour
	userLookupTTL    = 24 * time.Hour
)

// CacheRepository представляет репозиторий для работы с Redis: маркеры идемпотентности,
// блокировки плановых задач и кэш соответствия номера пользователю
type CacheRepository struct {
	client *redis.Client
}

// NewCacheRepository создает новый экземпляр CacheRepository
func NewCacheRepository(client *redis.Client) *CacheRepository {
	return &CacheRepository{
		client: client,
	}
}

func inboundKey(kind, id string) string {
	return fmt.Sprintf("inbound:%s:%s", kind, id)
}

func lockKey(name string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("lock:%s:%d", name, now.Truncate(window).Unix())
}

func userLookupKey(mobileNumber string) string {
	return fmt.Sprintf("user:mobile:%s", mobileNumber)
}

// Claim ставит маркер входящего события; false, если событие уже было принято
func (r *CacheRepository) Claim(ctx context.Context, kind, id string) (bool, error) {
	return r.client.SetNX(ctx, inboundKey(kind, id), 1, inboundMarkerTTL).Result()
}

// Release снимает маркер, если событие не удалось сохранить
func (r *CacheRepository) Release(ctx context.Context, kind, id string) error {
	return r.client.Del(ctx, inboundKey(kind, id)).Err()
}

// AcquireLock захватывает блокировку на текущее окно; ровно один процесс получает true
func (r *CacheRepository) AcquireLock(ctx context.Context, name string, window time.Duration, now time.Time) (bool, error) {
	return r.client.SetNX(ctx, lockKey(name, window, now), 1, window).Result()
}

// SetUserID кэширует ID пользователя по номеру телефона
func (r *CacheRepository) SetUserID(ctx context.Context, mobileNumber string, userID uint) error {
	return r.client.Set(ctx, userLookupKey(mobileNumber), userID, userLookupTTL).Err()
}

// GetUserID получает ID пользователя по номеру телефона; redis.Nil при промахе
func (r *CacheRepository) GetUserID(ctx context.Context, mobileNumber string) (uint, error) {
	raw, err := r.client.Get(ctx, userLookupKey(mobileNumber)).Result()
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// DeleteUserID удаляет запись кэша, например если пользователь удален
func (r *CacheRepository) DeleteUserID(ctx context.Context, mobileNumber string) error {
	return r.client.Del(ctx, userLookupKey(mobileNumber)).Err()
}
