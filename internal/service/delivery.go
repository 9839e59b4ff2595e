package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/server"

	"go.uber.org/zap"
)

// statusUpdateAttempts сколько раз пересчитываем переход после проигранной гонки
const statusUpdateAttempts = 3

// UnreachableFunc вызывается, когда пользователю подряд не доставлены ответы
type UnreachableFunc func(ctx context.Context, userID uint) error

// DeliveryService ведет исходящие ответы от создания до подтверждения доставки
type DeliveryService struct {
	replies ReplyRepositoryInterface
	gateway Gateway
	jobs    JobEnqueuer
	cfg     config.DeliveryConfig
	logger  *zap.Logger
	now     func() time.Time

	onUnreachable UnreachableFunc
}

// NewDeliveryService создает новый экземпляр DeliveryService
func NewDeliveryService(replies ReplyRepositoryInterface, gateway Gateway, jobs JobEnqueuer, cfg config.DeliveryConfig, logger *zap.Logger) *DeliveryService {
	return &DeliveryService{
		replies: replies,
		gateway: gateway,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnUnreachable задает реакцию на серию неудачных доставок
func (s *DeliveryService) OnUnreachable(fn UnreachableFunc) {
	s.onUnreachable = fn
}

// Queue сохраняет ответ без отправки
func (s *DeliveryService) Queue(ctx context.Context, recipient *models.User, chatID *uint, body string) (*models.Reply, error) {
	reply := &models.Reply{
		UserID:      recipient.ID,
		ChatID:      chatID,
		Body:        body,
		Destination: recipient.MobileNumber,
		State:       models.ReplyPendingDelivery,
	}
	if err := s.replies.Create(ctx, reply); err != nil {
		return nil, fmt.Errorf("queue reply to user %d: %w", recipient.ID, err)
	}
	return reply, nil
}

// Send сохраняет ответ и сразу планирует его отправку
func (s *DeliveryService) Send(ctx context.Context, recipient *models.User, chatID *uint, body string) (*models.Reply, error) {
	reply, err := s.Queue(ctx, recipient, chatID, body)
	if err != nil {
		return nil, err
	}
	if err := s.Flush(ctx, []uint{reply.ID}); err != nil {
		return reply, err
	}
	return reply, nil
}

// Flush захватывает ответы и ставит одну задачу на их отправку в заданном порядке.
// Ответы, захваченные другим процессом, пропускаются.
func (s *DeliveryService) Flush(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}

	claimed, err := s.replies.ClaimForDelivery(ctx, ids, s.now())
	if err != nil {
		return fmt.Errorf("claim replies: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	if err := s.jobs.Enqueue(ctx, JobReplyDeliver, ReplyDeliverArgs{ReplyIDs: claimed}); err != nil {
		if releaseErr := s.replies.ReleaseClaims(ctx, claimed); releaseErr != nil {
			s.logger.Error("Failed to release reply claims", zap.Error(releaseErr), zap.Uints("reply_ids", claimed))
		}
		return fmt.Errorf("enqueue reply delivery: %w", err)
	}
	return nil
}

// Undelivered возвращает ожидающие отправки ответы чата; userID ограничивает получателя
func (s *DeliveryService) Undelivered(ctx context.Context, chatID uint, userID *uint) ([]models.Reply, error) {
	return s.replies.Undelivered(ctx, chatID, userID)
}

// FlushChat отправляет все неотправленные ответы чата; userID ограничивает получателя
func (s *DeliveryService) FlushChat(ctx context.Context, chatID uint, userID *uint) error {
	replies, err := s.replies.Undelivered(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("load undelivered replies of chat %d: %w", chatID, err)
	}

	ids := make([]uint, 0, len(replies))
	for i := range replies {
		ids = append(ids, replies[i].ID)
	}
	return s.Flush(ctx, ids)
}

// DeliverBatch отправляет захваченные ответы по очереди. Уже отправленные пропускаются,
// поэтому повтор задачи целиком безопасен.
func (s *DeliveryService) DeliverBatch(ctx context.Context, ids []uint) error {
	for _, id := range ids {
		reply, err := s.replies.GetByID(ctx, id)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if reply.State != models.ReplyPendingDelivery {
			continue
		}
		if err := s.Deliver(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseBatch возвращает так и не отправленные ответы в ожидание
func (s *DeliveryService) ReleaseBatch(ctx context.Context, ids []uint) error {
	return s.replies.ReleaseClaims(ctx, ids)
}

// Deliver передает ответ шлюзу и сохраняет токен
func (s *DeliveryService) Deliver(ctx context.Context, reply *models.Reply) error {
	token, err := s.gateway.Send(ctx, reply.SMSAddress(), reply.Body)
	if err != nil {
		return fmt.Errorf("send reply %d: %w", reply.ID, err)
	}

	won, err := s.replies.MarkQueued(ctx, reply.ID, token, s.now())
	if err != nil {
		return fmt.Errorf("mark reply %d queued: %w", reply.ID, err)
	}
	if !won {
		s.logger.Warn("Reply left pending_delivery concurrently",
			zap.Uint("reply_id", reply.ID),
			zap.String("token", token))
		return nil
	}

	server.RecordReplyTransition(string(models.ReplyPendingDelivery), string(models.ReplyQueuedForSMSC))
	reply.State = models.ReplyQueuedForSMSC
	reply.Token = &token
	return nil
}

// UpdateDeliveryStatus применяет квитанцию о доставке.
// Неизвестный токен означает, что запись еще не видна: возвращается apperrors.ErrNotReady.
func (s *DeliveryService) UpdateDeliveryStatus(ctx context.Context, token string, signal models.DeliverySignal) error {
	reply, err := s.replies.GetByToken(ctx, token)
	if apperrors.IsNotFound(err) {
		return fmt.Errorf("%w: reply with token %s", apperrors.ErrNotReady, token)
	}
	if err != nil {
		return err
	}

	logger := server.WithRequestID(ctx, s.logger).With(zap.Uint("reply_id", reply.ID), zap.String("signal", string(signal)))

	for attempt := 0; attempt < statusUpdateAttempts; attempt++ {
		next, err := reply.State.Next(signal)
		if errors.Is(err, models.ErrUndefinedTransition) {
			logger.Debug("Ignoring delivery signal", zap.String("state", string(reply.State)))
			return nil
		}

		won, err := s.replies.CompareAndSetState(ctx, reply.ID, reply.State, next)
		if err != nil {
			return err
		}
		if won {
			server.RecordReplyTransition(string(reply.State), string(next))
			logger.Debug("Reply state changed",
				zap.String("from", string(reply.State)),
				zap.String("to", string(next)))
			if next.Unsuccessful() {
				return s.checkConsecutiveFailures(ctx, reply.UserID)
			}
			return nil
		}

		// Состояние поменял параллельный обработчик, переход пересчитывается от свежего
		if reply, err = s.replies.GetByID(ctx, reply.ID); err != nil {
			return err
		}
	}

	return fmt.Errorf("update reply state: %w", apperrors.ErrConflict)
}

// UpdateFromTwilio применяет статус из обратного вызова Twilio; промежуточные статусы игнорируются
func (s *DeliveryService) UpdateFromTwilio(ctx context.Context, messageSid, status string) error {
	signal, ok := models.SignalFromTwilioStatus(status)
	if !ok {
		return nil
	}
	return s.UpdateDeliveryStatus(ctx, messageSid, signal)
}

func (s *DeliveryService) checkConsecutiveFailures(ctx context.Context, userID uint) error {
	limit := s.cfg.MaxConsecutiveFailures
	if limit <= 0 || s.onUnreachable == nil {
		return nil
	}

	states, err := s.replies.RecentFinalizedStates(ctx, userID, limit)
	if err != nil {
		return err
	}
	if len(states) < limit {
		return nil
	}
	for _, state := range states {
		if !state.Unsuccessful() {
			return nil
		}
	}

	s.logger.Info("User unreachable, logging out",
		zap.Uint("user_id", userID),
		zap.Int("failures", limit))
	return s.onUnreachable(ctx, userID)
}

// Cleanup удаляет старые завершенные ответы
func (s *DeliveryService) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := s.replies.DeleteDeliveredBefore(ctx, s.now().Add(-s.cfg.CleanupAge))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("Old replies deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}
