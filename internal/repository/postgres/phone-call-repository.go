package postgres

import (
	"context"
	"errors"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PhoneCallRepository представляет репозиторий звонков
type PhoneCallRepository struct {
	resilientRepository
}

// NewPhoneCallRepository создает новый экземпляр PhoneCallRepository
func NewPhoneCallRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) *PhoneCallRepository {
	return &PhoneCallRepository{resilientRepository: newResilientRepository(db, healthChecker, logger)}
}

// GetBySid получает звонок по sid
func (r *PhoneCallRepository) GetBySid(ctx context.Context, sid string) (*models.PhoneCall, error) {
	var call models.PhoneCall
	err := r.read(ctx, "get_phone_call_by_sid", func(tx *gorm.DB) error {
		return tx.Where("sid = ?", sid).First(&call).Error
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// FindOrCreate возвращает звонок по sid, создавая его при первом шаге; created=false для повторов
func (r *PhoneCallRepository) FindOrCreate(ctx context.Context, call *models.PhoneCall) (*models.PhoneCall, bool, error) {
	existing, err := r.GetBySid(ctx, call.Sid)
	if err == nil {
		return existing, false, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, false, err
	}

	err = r.write(ctx, "create_phone_call", func(tx *gorm.DB) error {
		return tx.Create(call).Error
	})
	if errors.Is(err, apperrors.ErrDuplicate) {
		// Параллельный вебхук успел создать звонок
		existing, err = r.GetBySid(ctx, call.Sid)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return call, true, nil
}

// UpdateFields обновляет поля звонка
func (r *PhoneCallRepository) UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	return r.write(ctx, "update_phone_call", func(tx *gorm.DB) error {
		return tx.Model(&models.PhoneCall{}).Where("id = ?", id).Updates(fields).Error
	})
}

// ApplyCallDataRecord записывает детализацию; повторная запись с теми же данными ничего не меняет
func (r *PhoneCallRepository) ApplyCallDataRecord(ctx context.Context, cdr *models.CallDataRecord) error {
	return r.write(ctx, "apply_call_data_record", func(tx *gorm.DB) error {
		result := tx.Model(&models.PhoneCall{}).Where("sid = ?", cdr.Sid).Updates(map[string]interface{}{
			"duration":    cdr.Duration,
			"bill_sec":    cdr.BillSec,
			"direction":   cdr.Direction,
			"bridge_uuid": cdr.BridgeUUID,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// CDR может прийти раньше, чем звонок записан
			return apperrors.ErrNotReady
		}
		return nil
	})
}
