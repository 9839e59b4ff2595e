package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// grpcRequestDuration измеряет длительность gRPC запросов
	grpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	// httpRequestsTotal подсчитывает запросы вебхуков
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total number of inbound webhook requests",
		},
		[]string{"route", "status"},
	)

	// dbOperationDuration измеряет длительность операций с базой данных
	dbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	// cacheOperationsTotal подсчитывает общее количество операций с Redis
	cacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Total number of redis operations",
		},
		[]string{"operation", "status"},
	)

	// circuitBreakerState отслеживает состояние circuit breaker
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "State of circuit breaker (0: closed, 1: half-open, 2: open)",
		},
		[]string{"name"},
	)

	// jobsProcessedTotal подсчитывает выполненные фоновые задачи
	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of background jobs by outcome",
		},
		[]string{"type", "outcome"},
	)

	// jobDuration измеряет длительность выполнения задач
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of background jobs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// replyTransitionsTotal подсчитывает переходы состояния доставки ответов
	replyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_state_transitions_total",
			Help: "Total number of reply delivery state transitions",
		},
		[]string{"from", "to"},
	)

	// chatEventsTotal подсчитывает события жизненного цикла чатов
	chatEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Total number of chat lifecycle events",
		},
		[]string{"event"},
	)

	// jobQueueDepth размер очереди задач по спискам ready, delayed и dead
	jobQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Number of jobs in the queue by list",
		},
		[]string{"queue", "list"},
	)
)

// MetricsServer запускает HTTP сервер для Prometheus
func MetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		// Если метрики недоступны, это не должно останавливать основной сервис
		_ = server.ListenAndServe()
	}()

	return server
}

// MetricsUnaryInterceptor создает gRPC перехватчик для сбора метрик
func MetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		startTime := time.Now()

		resp, err := handler(ctx, req)

		statusCode := codes.OK
		if err != nil {
			statusCode = status.Code(err)
		}

		grpcRequestDuration.WithLabelValues(info.FullMethod, statusCode.String()).Observe(time.Since(startTime).Seconds())

		return resp, err
	}
}

// GinMetricsMiddleware подсчитывает запросы вебхуков по маршруту и коду ответа
func GinMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// RecordDBOperation записывает метрики операции с базой данных
func RecordDBOperation(operation string, duration time.Duration, err error) {
	dbOperationDuration.WithLabelValues(operation, outcome(err)).Observe(duration.Seconds())
}

// RecordCacheOperation записывает метрики операции с Redis
func RecordCacheOperation(operation string, err error) {
	cacheOperationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

// RecordCircuitBreakerStateChange записывает изменение состояния circuit breaker
func RecordCircuitBreakerStateChange(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordJob записывает результат выполнения фоновой задачи
func RecordJob(jobType, result string, duration time.Duration) {
	jobsProcessedTotal.WithLabelValues(jobType, result).Inc()
	jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordReplyTransition записывает переход состояния доставки
func RecordReplyTransition(from, to string) {
	replyTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordChatEvent записывает событие жизненного цикла чата
func RecordChatEvent(event string) {
	chatEventsTotal.WithLabelValues(event).Inc()
}

// RecordQueueDepth записывает размеры списков очереди задач
func RecordQueueDepth(queue string, ready, delayed, dead int64) {
	jobQueueDepth.WithLabelValues(queue, "ready").Set(float64(ready))
	jobQueueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	jobQueueDepth.WithLabelValues(queue, "dead").Set(float64(dead))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
