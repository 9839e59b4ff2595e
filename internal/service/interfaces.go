package service

import (
	"context"
	"time"

	"AnonChatService/internal/models"
)

// UserRepositoryInterface описывает интерфейс для работы с репозиторием пользователей
type UserRepositoryInterface interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByMobileNumber(ctx context.Context, mobileNumber string) (*models.User, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error
	SetState(ctx context.Context, id uint, state models.UserState) error
	SetStateUnlessChatting(ctx context.Context, id uint, state models.UserState) (bool, error)
	Touch(ctx context.Context, id uint, at time.Time) error
	Candidates(ctx context.Context, excludeIDs []uint, countryCode string, limit int) ([]models.User, error)
	FriendIDs(ctx context.Context, userID uint) ([]uint, error)
}

// ChatRepositoryInterface описывает интерфейс для работы с репозиторием чатов
type ChatRepositoryInterface interface {
	GetByID(ctx context.Context, id uint) (*models.Chat, error)
	CreateActive(ctx context.Context, chat *models.Chat, claims []uint) (uint, error)
	ActivateParticipants(ctx context.Context, chat *models.Chat, userIDs []uint) ([]uint, error)
	Deactivate(ctx context.Context, chat *models.Chat, userIDs []uint) ([]uint, error)
	Touch(ctx context.Context, chatID uint, at time.Time) error
	RecentInteractions(ctx context.Context, chatID uint, limit int) ([]models.Interaction, error)
	Expirable(ctx context.Context, mode models.ExpiryMode, before time.Time, limit int) ([]models.Chat, error)
	LatestWithUndeliveredRepliesFor(ctx context.Context, userID, excludeChatID uint) (*models.Chat, error)
	WithUndeliveredReplies(ctx context.Context, limit int) ([]models.Chat, error)
	DeleteStale(ctx context.Context, before time.Time, limit int) (int64, error)
}

// MessageRepositoryInterface описывает интерфейс для работы с входящими сообщениями
type MessageRepositoryInterface interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	GetByGuid(ctx context.Context, guid string) (*models.Message, error)
	Parts(ctx context.Context, userID uint, referenceNumber, totalParts int) ([]models.Message, error)
	MarkProcessed(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkPartsProcessed(ctx context.Context, ids []uint, at time.Time) error
	ReleaseProcessed(ctx context.Context, id uint) error
	AssignChat(ctx context.Context, id, chatID uint) error
}

// PhoneCallRepositoryInterface описывает интерфейс для работы со звонками
type PhoneCallRepositoryInterface interface {
	GetBySid(ctx context.Context, sid string) (*models.PhoneCall, error)
	FindOrCreate(ctx context.Context, call *models.PhoneCall) (*models.PhoneCall, bool, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error
	ApplyCallDataRecord(ctx context.Context, cdr *models.CallDataRecord) error
}

// ReplyRepositoryInterface описывает интерфейс для работы с исходящими ответами
type ReplyRepositoryInterface interface {
	Create(ctx context.Context, reply *models.Reply) error
	GetByID(ctx context.Context, id uint) (*models.Reply, error)
	GetByToken(ctx context.Context, token string) (*models.Reply, error)
	Undelivered(ctx context.Context, chatID uint, userID *uint) ([]models.Reply, error)
	ClaimForDelivery(ctx context.Context, ids []uint, at time.Time) ([]uint, error)
	ReleaseClaims(ctx context.Context, ids []uint) error
	MarkQueued(ctx context.Context, id uint, token string, at time.Time) (bool, error)
	CompareAndSetState(ctx context.Context, id uint, from, to models.ReplyState) (bool, error)
	RecentFinalizedStates(ctx context.Context, userID uint, limit int) ([]models.ReplyState, error)
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}

// ChargeRequestRepositoryInterface описывает интерфейс для работы с запросами на тарификацию
type ChargeRequestRepositoryInterface interface {
	Create(ctx context.Context, request *models.ChargeRequest) error
	GetByID(ctx context.Context, id uint) (*models.ChargeRequest, error)
	GetByRequester(ctx context.Context, ref models.Ref) (*models.ChargeRequest, error)
	CompareAndSetState(ctx context.Context, id uint, from, to models.ChargeState, result, reason string) (bool, error)
	ErrorStale(ctx context.Context, before time.Time) (int64, error)
}

// CacheRepositoryInterface описывает интерфейс для работы с Redis
type CacheRepositoryInterface interface {
	Claim(ctx context.Context, kind, id string) (bool, error)
	Release(ctx context.Context, kind, id string) error
	AcquireLock(ctx context.Context, name string, window time.Duration, now time.Time) (bool, error)
	SetUserID(ctx context.Context, mobileNumber string, userID uint) error
	GetUserID(ctx context.Context, mobileNumber string) (uint, error)
	DeleteUserID(ctx context.Context, mobileNumber string) error
}

// JobEnqueuer ставит задачи в очередь фоновых обработчиков
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, args interface{}) error
}

// Gateway отправляет SMS и возвращает токен для сопоставления квитанций
type Gateway interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// GeoResult результат геокодирования
type GeoResult struct {
	City      string
	Latitude  float64
	Longitude float64
}

// Geocoder определяет координаты по адресу. Результат носит рекомендательный характер.
type Geocoder interface {
	Geocode(ctx context.Context, address, countryCode string) (*GeoResult, error)
}

// BillingClient отправляет запрос на тарификацию; результат приходит асинхронно
type BillingClient interface {
	Charge(ctx context.Context, request *models.ChargeRequest) error
}
