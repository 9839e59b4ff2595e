package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheckerInterface определяет интерфейс для проверки зависимостей сервиса
type HealthCheckerInterface interface {
	// IsDatabaseHealthy проверяет здоровье PostgreSQL
	IsDatabaseHealthy(ctx context.Context) bool

	// IsRedisHealthy проверяет здоровье Redis (очередь задач и маркеры идемпотентности)
	IsRedisHealthy(ctx context.Context) bool
}

// ReadinessListener получает уведомления об изменении готовности (например, gRPC health сервер)
type ReadinessListener func(ready bool)

// HealthCheck представляет сервис проверки здоровья
type HealthCheck struct {
	checker       HealthCheckerInterface
	logger        *zap.Logger
	server        *http.Server
	statusMutex   sync.RWMutex
	serviceStatus map[string]string
	listeners     []ReadinessListener
	interval      time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// HealthResponse представляет ответ эндпоинта проверки здоровья
type HealthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
}

// NewHealthCheck создает новый сервис проверки здоровья
func NewHealthCheck(checker HealthCheckerInterface, logger *zap.Logger, version string) *HealthCheck {
	return &HealthCheck{
		checker: checker,
		logger:  logger,
		serviceStatus: map[string]string{
			"service":  "up",
			"postgres": "unknown",
			"redis":    "unknown",
			"version":  version,
		},
		interval: 10 * time.Second,
		stop:     make(chan struct{}),
	}
}

// OnReadinessChange регистрирует слушателя изменения готовности
func (h *HealthCheck) OnReadinessChange(listener ReadinessListener) {
	h.statusMutex.Lock()
	defer h.statusMutex.Unlock()
	h.listeners = append(h.listeners, listener)
}

// Handler возвращает обработчик с эндпоинтами проверки здоровья
func (h *HealthCheck) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.livenessHandler)
	mux.HandleFunc("/health/ready", h.readinessHandler)
	mux.HandleFunc("/health", h.healthHandler)
	return mux
}

// StartServer запускает HTTP сервер для проверки здоровья
func (h *HealthCheck) StartServer(port int) {
	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h.Handler(),
	}

	go func() {
		h.logger.Info("Starting health check server", zap.Int("port", port))
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Health check server failed", zap.Error(err))
		}
	}()

	// Первая проверка выполняется сразу, дальше по таймеру
	h.CheckNow()
	go h.monitorHealth()
}

// Stop останавливает HTTP сервер и фоновый мониторинг
func (h *HealthCheck) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// livenessHandler обрабатывает запросы проверки жизнеспособности
func (h *HealthCheck) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

// readinessHandler обрабатывает запросы проверки готовности
func (h *HealthCheck) readinessHandler(w http.ResponseWriter, r *http.Request) {
	h.statusMutex.RLock()
	pgStatus := h.serviceStatus["postgres"]
	redisStatus := h.serviceStatus["redis"]
	h.statusMutex.RUnlock()

	// Без PostgreSQL и без очереди в Redis сервис не может обрабатывать события
	if pgStatus != "up" || redisStatus != "up" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "down",
			"postgres": pgStatus,
			"redis":    redisStatus,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

// healthHandler обрабатывает запросы полной информации о здоровье
func (h *HealthCheck) healthHandler(w http.ResponseWriter, r *http.Request) {
	h.statusMutex.RLock()
	services := make(map[string]string, len(h.serviceStatus))
	for k, v := range h.serviceStatus {
		services[k] = v
	}
	h.statusMutex.RUnlock()

	status := "up"
	code := http.StatusOK
	if services["postgres"] != "up" || services["redis"] != "up" {
		status = "down"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status:    status,
		Services:  services,
		Timestamp: time.Now(),
		Version:   services["version"],
	})
}

// monitorHealth регулярно проверяет состояние зависимостей
func (h *HealthCheck) monitorHealth() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckNow()
		case <-h.stop:
			return
		}
	}
}

// CheckNow проверяет здоровье всех зависимостей и уведомляет слушателей
func (h *HealthCheck) CheckNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pgStatus := "up"
	if !h.checker.IsDatabaseHealthy(ctx) {
		pgStatus = "down"
		h.logger.Warn("PostgreSQL health check failed")
	}

	redisStatus := "up"
	if !h.checker.IsRedisHealthy(ctx) {
		redisStatus = "down"
		h.logger.Warn("Redis health check failed")
	}

	h.statusMutex.Lock()
	h.serviceStatus["postgres"] = pgStatus
	h.serviceStatus["redis"] = redisStatus
	listeners := append([]ReadinessListener(nil), h.listeners...)
	h.statusMutex.Unlock()

	ready := pgStatus == "up" && redisStatus == "up"
	for _, listener := range listeners {
		listener(ready)
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
