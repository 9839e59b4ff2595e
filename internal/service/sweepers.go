package service

import (
	"context"
	"sync"
	"time"

	"AnonChatService/config"

	"go.uber.org/zap"
)

// Sweep периодическая задача с интервалом
type Sweep struct {
	JobType  string
	Interval time.Duration
}

// Sweeps перечисляет плановые задачи согласно конфигурации; задачи с нулевым интервалом выключены
func Sweeps(cfg config.SweeperConfig) []Sweep {
	all := []Sweep{
		{JobType: JobSweepExpireProvisional, Interval: cfg.ProvisionalExpiryInterval},
		{JobType: JobSweepExpirePermanent, Interval: cfg.PermanentExpiryInterval},
		{JobType: JobSweepReinvigorate, Interval: cfg.ReinvigorateInterval},
		{JobType: JobSweepCleanupChats, Interval: cfg.CleanupInterval},
		{JobType: JobSweepCleanupReplies, Interval: cfg.CleanupInterval},
		{JobType: JobSweepChargeTimeout, Interval: cfg.ChargeTimeoutInterval},
	}

	enabled := make([]Sweep, 0, len(all))
	for _, sweep := range all {
		if sweep.Interval > 0 {
			enabled = append(enabled, sweep)
		}
	}
	return enabled
}

// Scheduler ставит плановые задачи в очередь. Блокировка на окно интервала гарантирует,
// что из нескольких процессов задачу поставит только один.
type Scheduler struct {
	sweeps []Sweep
	cache  CacheRepositoryInterface
	jobs   JobEnqueuer
	logger *zap.Logger
	now    func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler создает новый экземпляр Scheduler
func NewScheduler(sweeps []Sweep, cache CacheRepositoryInterface, jobs JobEnqueuer, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		sweeps: sweeps,
		cache:  cache,
		jobs:   jobs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает по таймеру на каждую задачу
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, sweep := range s.sweeps {
		s.wg.Add(1)
		go func(sweep Sweep) {
			defer s.wg.Done()
			s.run(ctx, sweep)
		}(sweep)
	}

	s.logger.Info("Scheduler started", zap.Int("sweeps", len(s.sweeps)))
}

// Stop останавливает таймеры
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, sweep Sweep) {
	ticker := time.NewTicker(sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, sweep); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to schedule sweep", zap.Error(err), zap.String("job_type", sweep.JobType))
			}
		}
	}
}

// Tick ставит задачу, если в текущем окне ее еще никто не поставил
func (s *Scheduler) Tick(ctx context.Context, sweep Sweep) (bool, error) {
	if s.cache != nil {
		acquired, err := s.cache.AcquireLock(ctx, sweep.JobType, sweep.Interval, s.now())
		if err != nil {
			return false, err
		}
		if !acquired {
			return false, nil
		}
	}

	if err := s.jobs.Enqueue(ctx, sweep.JobType, struct{}{}); err != nil {
		return false, err
	}
	s.logger.Debug("Sweep scheduled", zap.String("job_type", sweep.JobType))
	return true, nil
}
