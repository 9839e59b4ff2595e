package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"AnonChatService/config"
	"AnonChatService/infrastructure"
	"AnonChatService/internal/database/seed"
	"AnonChatService/internal/delivery/grpc"
	"AnonChatService/internal/delivery/webhook"
	"AnonChatService/internal/jobs"
	"AnonChatService/internal/repository/postgres"
	"AnonChatService/internal/repository/redis"
	"AnonChatService/internal/service"
	"AnonChatService/pkg/database"
	"AnonChatService/pkg/logger"
	"AnonChatService/pkg/server"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Версия сервиса
const (
	ServiceVersion = "1.0.0"
)

func main() {
	// Инициализация логгера
	log := logger.NewLogger()
	log.Info("Запуск сервиса анонимных чатов", zap.String("version", ServiceVersion))

	// Загрузка конфигурации
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Не удалось загрузить конфигурацию", zap.Error(err))
	}
	resilienceCfg := config.DefaultResilienceConfig()

	// Определение номеров портов
	grpcPort := cfg.GRPC.Port
	healthPort := grpcPort + 100
	metricsPort := grpcPort + 200
	publicURL := strings.TrimRight(cfg.HTTP.PublicURL, "/")

	// Создаем механизм graceful shutdown
	gracefulShutdown := server.NewGracefulShutdown(log, 30*time.Second)

	// Подключение к PostgreSQL, миграции выполняются при подключении
	db, err := database.NewPostgresDB(cfg.Postgres)
	if err != nil {
		log.Fatal("Не удалось подключиться к PostgreSQL", zap.Error(err))
	}
	log.Info("Подключение к PostgreSQL установлено")

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("Не удалось получить экземпляр SQL DB", zap.Error(err))
	}

	// Подключение к Redis
	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Не удалось подключиться к Redis", zap.Error(err))
	}
	log.Info("Подключение к Redis установлено")

	// Тестовые данные для среды разработки
	if err := seed.NewDevEnvironmentSeeder(db, log).SeedAllDevData(gracefulShutdown.Context()); err != nil {
		log.Warn("Не удалось заполнить тестовые данные", zap.Error(err))
	}

	// Проверка здоровья баз данных с circuit breaker
	healthChecker := database.NewDatabaseHealthCheckerWithConfig(db, redisClient, log, resilienceCfg)

	// Отказоустойчивые репозитории
	userRepo := postgres.NewUserRepository(db, healthChecker, log)
	chatRepo := postgres.NewChatRepository(db, healthChecker, log)
	messageRepo := postgres.NewMessageRepository(db, healthChecker, log)
	callRepo := postgres.NewPhoneCallRepository(db, healthChecker, log)
	replyRepo := postgres.NewReplyRepository(db, healthChecker, log)
	chargeRepo := postgres.NewChargeRequestRepository(db, healthChecker, log)
	cacheRepo := redis.NewResilientCacheRepository(redisClient, healthChecker, log)

	// Очередь фоновых задач
	queue := jobs.NewQueue(redisClient, cfg.Workers.Queue)
	worker := jobs.NewWorker(queue, cfg.Workers, resilienceCfg, log)

	// Внешние клиенты
	gateway := infrastructure.NewTwilioGateway(cfg.Twilio, publicURL+cfg.Delivery.StatusCallbackPath, resilienceCfg, log)

	var geocoder service.Geocoder
	if cfg.Geocoder.Enabled {
		geocoder = infrastructure.NewHTTPGeocoder(cfg.Geocoder, log)
	}

	var billing service.BillingClient
	if cfg.Billing.Enabled {
		billing = infrastructure.NewHTTPBillingClient(cfg.Billing, publicURL, log)
	}

	// Инициализация сервисов
	directory := service.NewUserDirectory(userRepo, cacheRepo, cfg.Chat, log)
	deliveryService := service.NewDeliveryService(replyRepo, gateway, worker, cfg.Delivery, log)
	lifecycle := service.NewChatLifecycle(userRepo, chatRepo, messageRepo, directory, deliveryService, cfg.Chat, log)
	deliveryService.OnUnreachable(func(ctx context.Context, userID uint) error {
		return lifecycle.Logout(ctx, userID, false)
	})
	charges := service.NewChargeRequestService(chargeRepo, billing, cfg.Billing, log)
	router := service.NewInboundRouter(directory, lifecycle, charges, messageRepo, chatRepo, cacheRepo, worker, geocoder, log)
	voice := service.NewVoiceRouter(callRepo, chatRepo, userRepo, directory, lifecycle, cfg.Voice, publicURL, log)

	service.RegisterJobHandlers(worker, service.Services{
		Router:    router,
		Voice:     voice,
		Lifecycle: lifecycle,
		Delivery:  deliveryService,
		Charges:   charges,
	}, log)

	// Запуск обработчиков и планировщика плановых задач
	worker.Start(gracefulShutdown.Context())
	scheduler := service.NewScheduler(service.Sweeps(cfg.Sweeper), cacheRepo, worker, log)
	scheduler.Start(gracefulShutdown.Context())

	// Запускаем сервер для метрик Prometheus
	metricsServer := server.MetricsServer(strconv.Itoa(metricsPort))

	// HTTP сервер вебхуков
	if os.Getenv("APP_ENV") != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	webhookHandler := webhook.NewHandler(router, voice, worker, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           webhook.NewRouter(webhookHandler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Запуск HTTP сервера вебхуков", zap.Int("port", cfg.HTTP.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Не удалось запустить HTTP сервер", zap.Error(err))
		}
	}()

	// gRPC сервер отдает статус здоровья вслед за проверкой баз
	grpcSrv := grpc.NewServer(log, grpcPort)
	healthCheck := server.NewHealthCheck(healthChecker, log, ServiceVersion)
	healthCheck.OnReadinessChange(grpcSrv.SetServing)
	healthCheck.StartServer(healthPort)

	go func() {
		if err := grpcSrv.Run(); err != nil {
			log.Fatal("Не удалось запустить gRPC сервер", zap.Error(err))
		}
	}()

	// Шаги выполняются в обратном порядке: сначала прием запросов, затем фоновые задачи, в конце соединения
	gracefulShutdown.AddShutdownFunc("postgres", func(ctx context.Context) error {
		return sqlDB.Close()
	})
	gracefulShutdown.AddShutdownFunc("redis", func(ctx context.Context) error {
		return redisClient.Close()
	})
	gracefulShutdown.AddShutdownFunc("metrics", metricsServer.Shutdown)
	gracefulShutdown.AddShutdownFunc("worker", worker.Stop)
	gracefulShutdown.AddShutdownFunc("scheduler", scheduler.Stop)
	gracefulShutdown.AddShutdownFunc("health", healthCheck.Stop)
	gracefulShutdown.AddShutdownFunc("grpc", grpcSrv.Stop)
	gracefulShutdown.AddShutdownFunc("http", httpServer.Shutdown)

	// Логируем информацию о версии и PID
	hostname, _ := os.Hostname()
	log.Info("Сервис успешно запущен",
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("grpc_port", grpcPort),
		zap.Int("health_port", healthPort),
		zap.Int("metrics_port", metricsPort),
		zap.String("version", ServiceVersion),
		zap.Int("pid", os.Getpid()),
		zap.String("hostname", hostname))

	// Ожидаем сигнала остановки
	gracefulShutdown.Wait()
	log.Info("Завершение работы сервиса выполнено")
}
