package service

import (
	"context"
	"fmt"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"

	"go.uber.org/zap"
)

// ChargeRequestService ведет запросы на тарификацию входящих сообщений
type ChargeRequestService struct {
	charges ChargeRequestRepositoryInterface
	billing BillingClient
	cfg     config.BillingConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewChargeRequestService создает новый экземпляр ChargeRequestService. billing может быть nil при выключенной тарификации.
func NewChargeRequestService(charges ChargeRequestRepositoryInterface, billing BillingClient, cfg config.BillingConfig, logger *zap.Logger) *ChargeRequestService {
	return &ChargeRequestService{
		charges: charges,
		billing: billing,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Required сообщает, нужно ли тарифицировать сообщения пользователя
func (s *ChargeRequestService) Required(user *models.User) bool {
	if !s.cfg.Enabled || s.billing == nil {
		return false
	}
	if len(s.cfg.Operators) == 0 {
		return true
	}
	for _, operator := range s.cfg.Operators {
		if operator == user.OperatorName {
			return true
		}
	}
	return false
}

// ForRequester возвращает последний запрос инициатора тарификации
func (s *ChargeRequestService) ForRequester(ctx context.Context, requester models.Requester) (*models.ChargeRequest, error) {
	ref, ok := requester.Ref()
	if !ok {
		return nil, fmt.Errorf("%w: empty requester", apperrors.ErrValidation)
	}
	return s.charges.GetByRequester(ctx, ref)
}

// Request создает запрос и передает его сервису тарификации.
// Ошибка сервиса не возвращается: запрос сразу переходит в errored.
func (s *ChargeRequestService) Request(ctx context.Context, requester models.Requester, user *models.User) (*models.ChargeRequest, error) {
	request := &models.ChargeRequest{
		Requester:    requester,
		UserID:       user.ID,
		Operator:     user.OperatorName,
		MobileNumber: user.MobileNumber,
		State:        models.ChargeCreated,
	}
	if err := s.charges.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("create charge request: %w", err)
	}

	logger := s.logger.With(zap.Uint("charge_request_id", request.ID), zap.Uint("user_id", user.ID))

	if err := s.billing.Charge(ctx, request); err != nil {
		logger.Warn("Billing call failed", zap.Error(err))
		if _, casErr := s.charges.CompareAndSetState(ctx, request.ID, models.ChargeCreated, models.ChargeErrored, "", err.Error()); casErr != nil {
			return nil, casErr
		}
		request.State = models.ChargeErrored
		request.Reason = err.Error()
		return request, nil
	}

	won, err := s.charges.CompareAndSetState(ctx, request.ID, models.ChargeCreated, models.ChargeAwaitingResult, "", "")
	if err != nil {
		return nil, err
	}
	if !won {
		// Ответ тарификации уже мог прийти или сработал таймаут
		return s.charges.GetByID(ctx, request.ID)
	}
	request.State = models.ChargeAwaitingResult
	logger.Debug("Charge requested")
	return request, nil
}

// UpdateResult применяет ответ сервиса тарификации.
// Запрос, который еще не виден или не дождался вызова тарификации, дает apperrors.ErrNotReady.
func (s *ChargeRequestService) UpdateResult(ctx context.Context, id uint, result, reason string) error {
	request, err := s.charges.GetByID(ctx, id)
	if apperrors.IsNotFound(err) {
		return fmt.Errorf("%w: charge request %d", apperrors.ErrNotReady, id)
	}
	if err != nil {
		return err
	}
	if request.State == models.ChargeCreated {
		return fmt.Errorf("%w: charge request %d is not sent yet", apperrors.ErrNotReady, id)
	}

	next := models.ChargeStateFromResult(result)
	if !request.State.CanTransitionTo(next) {
		s.logger.Debug("Ignoring charge result",
			zap.Uint("charge_request_id", id),
			zap.String("state", string(request.State)),
			zap.String("result", result))
		return nil
	}

	won, err := s.charges.CompareAndSetState(ctx, id, request.State, next, result, reason)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("update charge request %d: %w", id, apperrors.ErrConflict)
	}

	s.logger.Info("Charge request resolved",
		zap.Uint("charge_request_id", id),
		zap.String("state", string(next)))
	return nil
}

// Slow сообщает, что ответа ждут дольше допустимого
func (s *ChargeRequestService) Slow(request *models.ChargeRequest) bool {
	return request.Slow(s.now(), s.cfg.SlowAfter)
}

// TimeoutSweep переводит в errored запросы, не получившие ответа за отведенное время
func (s *ChargeRequestService) TimeoutSweep(ctx context.Context) (int64, error) {
	errored, err := s.charges.ErrorStale(ctx, s.now().Add(-s.cfg.HardTimeout))
	if err != nil {
		return 0, err
	}
	if errored > 0 {
		s.logger.Info("Stale charge requests errored", zap.Int64("count", errored))
	}
	return errored, nil
}
