package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// GracefulShutdown обеспечивает корректное завершение работы процесса
type GracefulShutdown struct {
	logger         *zap.Logger
	timeout        time.Duration
	steps          []shutdownStep
	mutex          sync.Mutex
	shutdownSignal chan os.Signal
	done           chan struct{}
	once           sync.Once
	// ctx отменяется в момент начала завершения, воркеры и планировщики следят за ним
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGracefulShutdown создает новый экземпляр GracefulShutdown
func NewGracefulShutdown(logger *zap.Logger, timeout time.Duration) *GracefulShutdown {
	ctx, cancel := context.WithCancel(context.Background())
	gs := &GracefulShutdown{
		logger:         logger,
		timeout:        timeout,
		shutdownSignal: make(chan os.Signal, 1),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	signal.Notify(gs.shutdownSignal, syscall.SIGINT, syscall.SIGTERM)

	return gs
}

// Context возвращает контекст, живущий до начала завершения работы
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// AddShutdownFunc добавляет именованную функцию для выполнения при завершении работы
func (gs *GracefulShutdown) AddShutdownFunc(name string, f func(context.Context) error) {
	gs.mutex.Lock()
	defer gs.mutex.Unlock()
	gs.steps = append(gs.steps, shutdownStep{name: name, fn: f})
}

// Wait блокирует выполнение до получения сигнала завершения
func (gs *GracefulShutdown) Wait() {
	sig := <-gs.shutdownSignal
	gs.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	gs.once.Do(func() {
		gs.shutdown()
		close(gs.done)
	})
}

// Done возвращает канал, который закрывается после завершения всех операций
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Shutdown инициирует процесс завершения работы
func (gs *GracefulShutdown) Shutdown() {
	gs.shutdownSignal <- syscall.SIGTERM
	<-gs.done
}

// shutdown выполняет все зарегистрированные функции завершения
func (gs *GracefulShutdown) shutdown() {
	gs.cancel()
	signal.Stop(gs.shutdownSignal)

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	gs.mutex.Lock()
	steps := append([]shutdownStep(nil), gs.steps...)
	gs.mutex.Unlock()

	// Выполняем функции завершения в обратном порядке (LIFO)
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		gs.logger.Info("Shutting down", zap.String("component", step.name))
		if err := step.fn(ctx); err != nil {
			gs.logger.Error("Error during shutdown", zap.String("component", step.name), zap.Error(err))
		}
	}

	gs.logger.Info("Graceful shutdown completed")
}
