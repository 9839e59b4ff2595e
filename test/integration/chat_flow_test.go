package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/delivery/webhook"
	"AnonChatService/internal/jobs"
	"AnonChatService/internal/models"
	"AnonChatService/internal/repository/postgres"
	"AnonChatService/internal/repository/redis"
	"AnonChatService/internal/service"
	"AnonChatService/pkg/database"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	db          *gorm.DB
	redisClient *goredis.Client
	pgResource  *dockertest.Resource
	rdResource  *dockertest.Resource
	pool        *dockertest.Pool
	gateway     *recordingGateway
	webhookURL  string
	worker      *jobs.Worker
)

// recordingGateway запоминает отправленные SMS вместо обращения к Twilio
type recordingGateway struct {
	mu   sync.Mutex
	sent []sentSMS
	seq  int
}

type sentSMS struct {
	To   string
	Body string
	Sid  string
}

func (g *recordingGateway) Send(ctx context.Context, to, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	sid := fmt.Sprintf("SM%06d", g.seq)
	g.sent = append(g.sent, sentSMS{To: strings.TrimPrefix(to, "sms://"), Body: body, Sid: sid})
	return sid, nil
}

// find возвращает первое SMS получателю, содержащее текст
func (g *recordingGateway) find(to, contains string) (sentSMS, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sms := range g.sent {
		if sms.To == to && strings.Contains(sms.Body, contains) {
			return sms, true
		}
	}
	return sentSMS{}, false
}

func runContainer(repository, tag string, env []string) (*dockertest.Resource, error) {
	return pool.RunWithOptions(&dockertest.RunOptions{
		Repository: repository,
		Tag:        tag,
		Env:        env,
	}, func(config *docker.HostConfig) {
		// Устанавливаем автоудаление контейнера
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
}

// Настройка тестового окружения
func TestMain(m *testing.M) {
	var err error
	pool, err = dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not connect to Docker: %s", err)
	}
	pool.MaxWait = 2 * time.Minute

	pgResource, err = runContainer("postgres", "15", []string{
		"POSTGRES_PASSWORD=postgres",
		"POSTGRES_USER=postgres",
		"POSTGRES_DB=test_db",
	})
	if err != nil {
		log.Fatalf("Could not start PostgreSQL: %s", err)
	}

	rdResource, err = runContainer("redis", "7", nil)
	if err != nil {
		log.Fatalf("Could not start Redis: %s", err)
	}

	pgPort, _ := strconv.Atoi(pgResource.GetPort("5432/tcp"))
	pgConfig := config.PostgresConfig{
		Host:     pgResource.GetBoundIP("5432/tcp"),
		Port:     pgPort,
		Username: "postgres",
		Password: "postgres",
		DBName:   "test_db",
		SSLMode:  "disable",
	}
	if err := pool.Retry(func() error {
		var err error
		db, err = database.NewPostgresDB(pgConfig)
		return err
	}); err != nil {
		log.Fatalf("Could not connect to PostgreSQL: %s", err)
	}

	redisConfig := config.RedisConfig{
		Addr: rdResource.GetBoundIP("6379/tcp") + ":" + rdResource.GetPort("6379/tcp"),
	}
	if err := pool.Retry(func() error {
		var err error
		redisClient, err = database.NewRedisClient(redisConfig)
		return err
	}); err != nil {
		log.Fatalf("Could not connect to Redis: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := startService(ctx)

	code := m.Run()

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = worker.Stop(stopCtx)
	stopCancel()
	srv.Close()
	pool.Purge(pgResource)
	pool.Purge(rdResource)

	os.Exit(code)
}

// startService собирает сервис так же, как main, но с записывающим шлюзом
func startService(ctx context.Context) *httptest.Server {
	logger := zap.NewNop()
	resilienceCfg := config.DefaultResilienceConfig()
	healthChecker := database.NewDatabaseHealthCheckerWithConfig(db, redisClient, logger, resilienceCfg)

	userRepo := postgres.NewUserRepository(db, healthChecker, logger)
	chatRepo := postgres.NewChatRepository(db, healthChecker, logger)
	messageRepo := postgres.NewMessageRepository(db, healthChecker, logger)
	callRepo := postgres.NewPhoneCallRepository(db, healthChecker, logger)
	replyRepo := postgres.NewReplyRepository(db, healthChecker, logger)
	chargeRepo := postgres.NewChargeRequestRepository(db, healthChecker, logger)
	cacheRepo := redis.NewResilientCacheRepository(redisClient, healthChecker, logger)

	workerCfg := config.DefaultWorkerConfig()
	workerCfg.Queue = "integration-" + uuid.NewString()
	workerCfg.PollTimeout = 200 * time.Millisecond
	worker = jobs.NewWorker(jobs.NewQueue(redisClient, workerCfg.Queue), workerCfg, resilienceCfg, logger)

	gateway = &recordingGateway{}
	chatCfg := config.DefaultChatConfig()
	directory := service.NewUserDirectory(userRepo, cacheRepo, chatCfg, logger)
	deliveryService := service.NewDeliveryService(replyRepo, gateway, worker, config.DefaultDeliveryConfig(), logger)
	lifecycle := service.NewChatLifecycle(userRepo, chatRepo, messageRepo, directory, deliveryService, chatCfg, logger)
	deliveryService.OnUnreachable(func(ctx context.Context, userID uint) error {
		return lifecycle.Logout(ctx, userID, false)
	})
	charges := service.NewChargeRequestService(chargeRepo, nil, config.DefaultBillingConfig(), logger)
	router := service.NewInboundRouter(directory, lifecycle, charges, messageRepo, chatRepo, cacheRepo, worker, nil, logger)
	voice := service.NewVoiceRouter(callRepo, chatRepo, userRepo, directory, lifecycle, config.DefaultVoiceConfig(), "http://localhost", logger)

	service.RegisterJobHandlers(worker, service.Services{
		Router:    router,
		Voice:     voice,
		Lifecycle: lifecycle,
		Delivery:  deliveryService,
		Charges:   charges,
	}, logger)
	worker.Start(ctx)

	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(webhook.NewRouter(webhook.NewHandler(router, voice, worker, logger), logger))
	webhookURL = srv.URL
	return srv
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// post отправляет JSON вебхук; безопасен для вызова из горутин
func post(path string, body interface{}) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := httpClient.Post(webhookURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func postJSON(t *testing.T, path string, body interface{}) int {
	t.Helper()
	status, err := post(path, body)
	require.NoError(t, err)
	return status
}

func postForm(t *testing.T, path string, form url.Values) (int, string) {
	t.Helper()
	resp, err := httpClient.PostForm(webhookURL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.String()
}

func sendSMS(t *testing.T, from, body string) {
	t.Helper()
	status := postJSON(t, "/inbound/messages", map[string]string{
		"from": from,
		"body": body,
		"guid": uuid.NewString(),
	})
	require.Equal(t, http.StatusAccepted, status)
}

func waitForSMS(t *testing.T, to, contains string) sentSMS {
	t.Helper()
	var found sentSMS
	require.Eventually(t, func() bool {
		var ok bool
		found, ok = gateway.find(to, contains)
		return ok
	}, 15*time.Second, 100*time.Millisecond, "no SMS to %s containing %q", to, contains)
	return found
}

// TestConversationOverWebhooks проводит двух пользователей через знакомство, переписку и выход
func TestConversationOverWebhooks(t *testing.T) {
	alice, bob := "+27821110001", "+27821110002"

	// 1. Первый пользователь никого не находит
	sendSMS(t, alice, "hi")
	waitForSMS(t, alice, "could not find a friend")

	// 2. Второй пользователь знакомится с первым
	sendSMS(t, bob, "hello")
	waitForSMS(t, bob, "You are now chatting with")
	waitForSMS(t, alice, "wants to chat with you")

	// 3. Ответ пересылается собеседнику
	sendSMS(t, alice, "how are you?")
	forwarded := waitForSMS(t, bob, "how are you?")

	// 4. Статус доставки от Twilio продвигает состояние ответа
	status, _ := postForm(t, "/inbound/twilio/message_status", url.Values{
		"MessageSid":    {forwarded.Sid},
		"MessageStatus": {"sent"},
	})
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool {
		var reply models.Reply
		if err := db.Where("token = ?", forwarded.Sid).First(&reply).Error; err != nil {
			return false
		}
		return reply.State == models.ReplyDeliveredBySMSC
	}, 10*time.Second, 100*time.Millisecond)

	// 5. stop выводит пользователя из сети и завершает чат для собеседника
	sendSMS(t, bob, "stop")
	waitForSMS(t, bob, "You are now offline")
	waitForSMS(t, alice, "has ended")

	require.Eventually(t, func() bool {
		var user models.User
		if err := db.Where("mobile_number = ?", bob).First(&user).Error; err != nil {
			return false
		}
		return user.State == models.UserOffline && user.ActiveChatID == nil
	}, 10*time.Second, 100*time.Millisecond)
}

// TestDuplicateInboundMessage проверяет, что повтор вебхука с тем же guid не создает второе сообщение
func TestDuplicateInboundMessage(t *testing.T) {
	body := map[string]string{"from": "+27821110003", "body": "hi", "guid": uuid.NewString()}

	assert.Equal(t, http.StatusAccepted, postJSON(t, "/inbound/messages", body))
	assert.Equal(t, http.StatusOK, postJSON(t, "/inbound/messages", body))

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Where("guid = ?", body["guid"]).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// TestVoiceMenu проверяет первый шаг голосового меню и сохранение звонка
func TestVoiceMenu(t *testing.T) {
	callSid := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")

	status, twiml := postForm(t, "/inbound/phone_calls", url.Values{
		"CallSid":    {callSid},
		"From":       {"+27821110004"},
		"CallStatus": {"ringing"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, twiml, "<Response>")
	assert.Contains(t, twiml, "<Gather")

	var call models.PhoneCall
	require.NoError(t, db.Where("sid = ?", callSid).First(&call).Error)

	status = postJSON(t, "/inbound/call_data_records", models.CallDataRecord{Sid: callSid, Duration: 42, BillSec: 30})
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool {
		var updated models.PhoneCall
		if err := db.Where("sid = ?", callSid).First(&updated).Error; err != nil {
			return false
		}
		return updated.Duration == 42
	}, 10*time.Second, 100*time.Millisecond)
}
