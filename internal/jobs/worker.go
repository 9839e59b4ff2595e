package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"AnonChatService/config"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/resilience"
	"AnonChatService/pkg/server"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Handler обрабатывает задачу одного типа. Ошибка приводит к повторной постановке
// задачи с задержкой, кроме ошибок валидации.
type Handler func(ctx context.Context, job *Job) error

// DeadHook вызывается, когда задача исчерпала попытки
type DeadHook func(ctx context.Context, job *Job, err error)

// Результаты обработки для метрик
const (
	resultSuccess     = "success"
	resultRetried     = "retried"
	resultRescheduled = "rescheduled"
	resultDropped     = "dropped"
	resultDead        = "dead"
)

// Worker пул обработчиков очереди
type Worker struct {
	queue    *Queue
	cfg      config.WorkerConfig
	retry    resilience.RetryOptions
	logger   *zap.Logger
	handlers map[string]Handler
	dead     map[string]DeadHook

	mu     sync.RWMutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// NewWorker создает пул обработчиков
func NewWorker(queue *Queue, cfg config.WorkerConfig, resilienceCfg config.ResilienceConfig, logger *zap.Logger) *Worker {
	retry := resilience.DefaultRetryOptions()
	retry.InitialBackoff = resilienceCfg.JobRetry.InitialBackoff
	retry.MaxBackoff = resilienceCfg.JobRetry.MaxBackoff
	retry.BackoffFactor = resilienceCfg.JobRetry.BackoffFactor
	retry.Jitter = resilienceCfg.JobRetry.Jitter

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	return &Worker{
		queue:    queue,
		cfg:      cfg,
		retry:    retry,
		logger:   logger,
		handlers: make(map[string]Handler),
		dead:     make(map[string]DeadHook),
		now:      time.Now,
	}
}

// Register назначает обработчик типу задачи
func (w *Worker) Register(jobType string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// OnDead назначает обработчик исчерпавших попытки задач
func (w *Worker) OnDead(jobType string, hook DeadHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead[jobType] = hook
}

// Enqueue ставит новую задачу в очередь
func (w *Worker) Enqueue(ctx context.Context, jobType string, args interface{}) error {
	job, err := NewJob(ctx, jobType, args)
	if err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return nil
}

// Start запускает обработчики и перенос отложенных задач. Работа идет до отмены ctx или Stop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("Starting workers",
		zap.String("queue", w.queue.name),
		zap.Int("concurrency", w.cfg.Concurrency))

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promoteLoop(ctx)
	}()
}

// Stop останавливает обработчики и ждет завершения текущих задач
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to dequeue job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}

		// Задача выполняется до конца даже при остановке
		w.Process(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, w.now()); err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to promote delayed jobs", zap.Error(err))
			}
			if ready, delayed, dead, err := w.queue.Stats(ctx); err == nil {
				server.RecordQueueDepth(w.queue.name, ready, delayed, dead)
			}
		}
	}
}

// Process выполняет одну задачу и решает ее дальнейшую судьбу
func (w *Worker) Process(ctx context.Context, job *Job) {
	w.mu.RLock()
	handler, ok := w.handlers[job.Type]
	w.mu.RUnlock()

	ctx = server.ContextWithRequestID(ctx, job.RequestID)
	logger := server.WithRequestID(ctx, w.logger).With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempt))

	if !ok {
		logger.Error("No handler registered for job")
		w.bury(ctx, logger, job, fmt.Errorf("no handler for %s", job.Type))
		return
	}

	ctx, span := otel.Tracer("AnonChatService/jobs").Start(ctx, job.Type)
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.Int("attempt", job.Attempt))
	defer span.End()

	startTime := time.Now()
	err := handler(ctx, job)
	duration := time.Since(startTime)

	switch {
	case err == nil:
		server.RecordJob(job.Type, resultSuccess, duration)
		logger.Debug("Job completed", zap.Duration("duration", duration))

	case apperrors.IsValidation(err):
		server.RecordJob(job.Type, resultDropped, duration)
		logger.Warn("Dropping invalid job", zap.Error(err))

	default:
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())

		if job.Attempt+1 >= w.cfg.MaxAttempts {
			server.RecordJob(job.Type, resultDead, duration)
			w.bury(ctx, logger, job, err)
			return
		}

		result := resultRetried
		if apperrors.IsNotReady(err) {
			result = resultRescheduled
		}
		server.RecordJob(job.Type, result, duration)
		w.retryLater(ctx, logger, job, err)
	}
}

func (w *Worker) retryLater(ctx context.Context, logger *zap.Logger, job *Job, cause error) {
	delay := resilience.Backoff(job.Attempt, w.retry)
	retry := *job
	retry.Attempt++

	logger.Info("Rescheduling job",
		zap.Duration("delay", delay),
		zap.Error(cause))

	if err := w.queue.EnqueueAt(ctx, &retry, w.now().Add(delay)); err != nil {
		logger.Error("Failed to reschedule job, burying", zap.Error(err))
		w.bury(ctx, logger, job, errors.Join(cause, err))
	}
}

func (w *Worker) bury(ctx context.Context, logger *zap.Logger, job *Job, cause error) {
	logger.Error("Job exhausted its attempts", zap.Error(cause))

	if err := w.queue.Bury(ctx, job); err != nil {
		logger.Error("Failed to bury job", zap.Error(err))
	}

	w.mu.RLock()
	hook, ok := w.dead[job.Type]
	w.mu.RUnlock()
	if ok {
		hook(ctx, job, cause)
	}
}
