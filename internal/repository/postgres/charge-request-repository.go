package postgres

import (
	"context"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChargeRequestRepository представляет репозиторий запросов на тарификацию
type ChargeRequestRepository struct {
	resilientRepository
}

// NewChargeRequestRepository создает новый экземпляр ChargeRequestRepository
func NewChargeRequestRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) *ChargeRequestRepository {
	return &ChargeRequestRepository{resilientRepository: newResilientRepository(db, healthChecker, logger)}
}

// Create сохраняет запрос в состоянии created
func (r *ChargeRequestRepository) Create(ctx context.Context, request *models.ChargeRequest) error {
	if request.State == "" {
		request.State = models.ChargeCreated
	}
	return r.write(ctx, "create_charge_request", func(tx *gorm.DB) error {
		return tx.Create(request).Error
	})
}

// GetByID получает запрос по ID
func (r *ChargeRequestRepository) GetByID(ctx context.Context, id uint) (*models.ChargeRequest, error) {
	var request models.ChargeRequest
	err := r.read(ctx, "get_charge_request_by_id", func(tx *gorm.DB) error {
		return tx.First(&request, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// GetByRequester получает последний запрос для инициатора
func (r *ChargeRequestRepository) GetByRequester(ctx context.Context, ref models.Ref) (*models.ChargeRequest, error) {
	var request models.ChargeRequest
	err := r.read(ctx, "get_charge_request_by_requester", func(tx *gorm.DB) error {
		return tx.Where("requester_type = ? AND requester_id = ?", ref.Kind, ref.ID).
			Order("id DESC").
			First(&request).Error
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// CompareAndSetState меняет состояние, только если в базе все еще from
func (r *ChargeRequestRepository) CompareAndSetState(ctx context.Context, id uint, from, to models.ChargeState, result, reason string) (bool, error) {
	var won bool
	err := r.write(ctx, "compare_and_set_charge_state", func(tx *gorm.DB) error {
		fields := map[string]interface{}{"state": to}
		if result != "" {
			fields["result"] = result
		}
		if reason != "" {
			fields["reason"] = reason
		}
		res := tx.Model(&models.ChargeRequest{}).Where("id = ? AND state = ?", id, from).Updates(fields)
		won = res.RowsAffected == 1
		return res.Error
	})
	return won, err
}

// ErrorStale переводит давно не завершенные запросы в errored
func (r *ChargeRequestRepository) ErrorStale(ctx context.Context, before time.Time) (int64, error) {
	var updated int64
	err := r.write(ctx, "error_stale_charge_requests", func(tx *gorm.DB) error {
		result := tx.Model(&models.ChargeRequest{}).
			Where("created_at < ? AND state IN ?", before, []models.ChargeState{models.ChargeCreated, models.ChargeAwaitingResult}).
			Updates(map[string]interface{}{"state": models.ChargeErrored, "reason": "timeout"})
		updated = result.RowsAffected
		return result.Error
	})
	return updated, err
}
