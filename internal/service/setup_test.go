package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/internal/repository/postgres"
	"AnonChatService/pkg/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Мок шлюза SMS
type sentSMS struct {
	To    string
	Body  string
	Token string
}

type mockGateway struct {
	mu   sync.Mutex
	sent []sentSMS
	fail error
	seq  int
}

func (g *mockGateway) Send(ctx context.Context, to, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fail != nil {
		return "", g.fail
	}
	g.seq++
	token := fmt.Sprintf("SM%06d", g.seq)
	g.sent = append(g.sent, sentSMS{To: strings.TrimPrefix(to, "sms://"), Body: body, Token: token})
	return token, nil
}

func (g *mockGateway) to(mobileNumber string) []sentSMS {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result []sentSMS
	for _, sms := range g.sent {
		if sms.To == mobileNumber {
			result = append(result, sms)
		}
	}
	return result
}

// Мок очереди: отправка ответов выполняется сразу, остальные задачи только записываются
type enqueuedJob struct {
	Type string
	Args interface{}
}

type mockJobs struct {
	mu       sync.Mutex
	enqueued []enqueuedJob
	fail     error
	delivery *DeliveryService
}

func (j *mockJobs) Enqueue(ctx context.Context, jobType string, args interface{}) error {
	j.mu.Lock()
	if j.fail != nil {
		j.mu.Unlock()
		return j.fail
	}
	j.enqueued = append(j.enqueued, enqueuedJob{Type: jobType, Args: args})
	delivery := j.delivery
	j.mu.Unlock()

	if deliver, ok := args.(ReplyDeliverArgs); ok && delivery != nil {
		return delivery.DeliverBatch(ctx, deliver.ReplyIDs)
	}
	return nil
}

func (j *mockJobs) ofType(jobType string) []enqueuedJob {
	j.mu.Lock()
	defer j.mu.Unlock()

	var result []enqueuedJob
	for _, job := range j.enqueued {
		if job.Type == jobType {
			result = append(result, job)
		}
	}
	return result
}

// Мок кэша в памяти
type mockCache struct {
	mu      sync.Mutex
	claims  map[string]bool
	locks   map[string]bool
	userIDs map[string]uint
}

func newMockCache() *mockCache {
	return &mockCache{
		claims:  make(map[string]bool),
		locks:   make(map[string]bool),
		userIDs: make(map[string]uint),
	}
}

func (c *mockCache) Claim(ctx context.Context, kind, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := kind + ":" + id
	if c.claims[key] {
		return false, nil
	}
	c.claims[key] = true
	return true, nil
}

func (c *mockCache) Release(ctx context.Context, kind, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, kind+":"+id)
	return nil
}

func (c *mockCache) AcquireLock(ctx context.Context, name string, window time.Duration, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s:%d", name, now.Truncate(window).Unix())
	if c.locks[key] {
		return false, nil
	}
	c.locks[key] = true
	return true, nil
}

func (c *mockCache) SetUserID(ctx context.Context, mobileNumber string, userID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userIDs[mobileNumber] = userID
	return nil
}

func (c *mockCache) GetUserID(ctx context.Context, mobileNumber string) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.userIDs[mobileNumber]
	if !ok {
		return 0, fmt.Errorf("cache miss")
	}
	return id, nil
}

func (c *mockCache) DeleteUserID(ctx context.Context, mobileNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.userIDs, mobileNumber)
	return nil
}

// Мок геокодера
type mockGeocoder struct {
	result *GeoResult
	err    error
	calls  int
}

func (g *mockGeocoder) Geocode(ctx context.Context, address, countryCode string) (*GeoResult, error) {
	g.calls++
	return g.result, g.err
}

// Мок сервиса тарификации
type mockBilling struct {
	mu       sync.Mutex
	requests []uint
	err      error
}

func (b *mockBilling) Charge(ctx context.Context, request *models.ChargeRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.requests = append(b.requests, request.ID)
	return nil
}

// setupSQLiteDB создает изолированную базу SQLite в памяти со всеми таблицами
func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
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

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

// testEnv сервисы поверх настоящих репозиториев и моков внешних систем
type testEnv struct {
	db *gorm.DB

	users    *postgres.UserRepository
	chats    *postgres.ChatRepository
	messages *postgres.MessageRepository
	calls    *postgres.PhoneCallRepository
	replies  *postgres.ReplyRepository
	charges  *postgres.ChargeRequestRepository

	gateway  *mockGateway
	jobs     *mockJobs
	cache    *mockCache
	geocoder *mockGeocoder
	billing  *mockBilling

	chatCfg     config.ChatConfig
	deliveryCfg config.DeliveryConfig
	voiceCfg    config.VoiceConfig
	billingCfg  config.BillingConfig

	directory *UserDirectory
	delivery  *DeliveryService
	lifecycle *ChatLifecycle
	chargeSvc *ChargeRequestService
	router    *InboundRouter
	voice     *VoiceRouter
}

var phoneSeq int64

func newTestEnv(t *testing.T, opts ...func(env *testEnv)) *testEnv {
	t.Helper()

	db := setupSQLiteDB(t)
	log := zap.NewNop()
	health := database.NewDatabaseHealthChecker(db, nil, log)

	env := &testEnv{
		db:          db,
		users:       postgres.NewUserRepository(db, health, log),
		chats:       postgres.NewChatRepository(db, health, log),
		messages:    postgres.NewMessageRepository(db, health, log),
		calls:       postgres.NewPhoneCallRepository(db, health, log),
		replies:     postgres.NewReplyRepository(db, health, log),
		charges:     postgres.NewChargeRequestRepository(db, health, log),
		gateway:     &mockGateway{},
		jobs:        &mockJobs{},
		cache:       newMockCache(),
		geocoder:    &mockGeocoder{},
		billing:     &mockBilling{},
		chatCfg:     config.DefaultChatConfig(),
		deliveryCfg: config.DefaultDeliveryConfig(),
		voiceCfg:    config.DefaultVoiceConfig(),
		billingCfg:  config.DefaultBillingConfig(),
	}
	for _, opt := range opts {
		opt(env)
	}

	env.directory = NewUserDirectory(env.users, env.cache, env.chatCfg, log)
	env.delivery = NewDeliveryService(env.replies, env.gateway, env.jobs, env.deliveryCfg, log)
	env.lifecycle = NewChatLifecycle(env.users, env.chats, env.messages, env.directory, env.delivery, env.chatCfg, log)
	env.delivery.OnUnreachable(func(ctx context.Context, userID uint) error {
		return env.lifecycle.Logout(ctx, userID, false)
	})
	env.chargeSvc = NewChargeRequestService(env.charges, env.billing, env.billingCfg, log)
	env.router = NewInboundRouter(env.directory, env.lifecycle, env.chargeSvc, env.messages, env.chats, env.cache, env.jobs, env.geocoder, log)
	env.voice = NewVoiceRouter(env.calls, env.chats, env.users, env.directory, env.lifecycle, env.voiceCfg, "https://example.test", log)
	env.jobs.delivery = env.delivery

	return env
}

// newMobileNumber возвращает уникальный южноафриканский номер
func newMobileNumber() string {
	return fmt.Sprintf("+27821%06d", atomic.AddInt64(&phoneSeq, 1))
}

// createUser сохраняет доступного пользователя; mutate может поменять поля до сохранения
func (e *testEnv) createUser(t *testing.T, mutate func(u *models.User)) *models.User {
	t.Helper()

	now := time.Now().UTC()
	number := newMobileNumber()
	user := &models.User{
		MobileNumber:     number,
		ScreenName:       "anon" + number[len(number)-6:],
		CountryCode:      "ZA",
		State:            models.UserOnline,
		LastInteractedAt: &now,
	}
	if mutate != nil {
		mutate(user)
	}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}

func (e *testEnv) user(t *testing.T, id uint) *models.User {
	t.Helper()

	user, err := e.users.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load user %d: %v", id, err)
	}
	return user
}

func (e *testEnv) chat(t *testing.T, id uint) *models.Chat {
	t.Helper()

	chat, err := e.chats.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load chat %d: %v", id, err)
	}
	return chat
}

// text имитирует входящее SMS и его обработку воркером
func (e *testEnv) text(t *testing.T, from *models.User, body string) *models.Message {
	t.Helper()

	ctx := context.Background()
	message, err := e.router.HandleInbound(ctx, &models.InboundMessage{
		From: from.MobileNumber,
		Body: body,
		Guid: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if err := e.router.ProcessMessage(ctx, message.ID); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	return message
}

// age сдвигает updated_at чата в прошлое
func (e *testEnv) age(t *testing.T, chatID uint, by time.Duration) {
	t.Helper()

	err := e.db.Model(&models.Chat{}).Where("id = ?", chatID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-by)).Error
	if err != nil {
		t.Fatalf("Failed to age chat: %v", err)
	}
}

func containsText(messages []sentSMS, fragment string) bool {
	for _, sms := range messages {
		if strings.Contains(sms.Body, fragment) {
			return true
		}
	}
	return false
}
