package grpc

import (
	"context"
	"fmt"
	"net"

	"AnonChatService/pkg/server"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName имя сервиса в протоколе проверки здоровья
const ServiceName = "anonchat"

// Server gRPC сервер со службой здоровья и reflection
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
	port       int
}

// NewServer создает gRPC сервер с перехватчиками трассировки, метрик и восстановления после паники
func NewServer(logger *zap.Logger, port int) *Server {
	s := &Server{
		health: health.NewServer(),
		logger: logger,
		port:   port,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			s.recoveryInterceptor(),
			server.TracingUnaryInterceptor(logger),
			server.MetricsUnaryInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	// Включаем reflection для удобства отладки через grpcurl
	reflection.Register(s.grpcServer)

	// До первой проверки баз сервис не готов
	s.SetServing(false)
	return s
}

// GRPCServer возвращает нижележащий сервер для регистрации дополнительных служб
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetServing переключает статус здоровья; подходит как обработчик смены готовности
func (s *Server) SetServing(ready bool) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(ServiceName, serving)
}

// Run слушает порт и обслуживает запросы до остановки
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.logger.Error("Failed to listen", zap.Error(err), zap.Int("port", s.port))
		return err
	}
	return s.Serve(lis)
}

// Serve обслуживает запросы на переданном listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop останавливает gRPC сервер
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

// recoveryInterceptor превращает панику обработчика в codes.Internal
func (s *Server) recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Recovered from panic",
					zap.Any("panic", r),
					zap.String("method", info.FullMethod))
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()

		return handler(ctx, req)
	}
}
