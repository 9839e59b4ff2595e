package postgres

import (
	"context"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageRepository представляет репозиторий входящих сообщений
type MessageRepository struct {
	resilientRepository
}

// NewMessageRepository создает новый экземпляр MessageRepository
func NewMessageRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{resilientRepository: newResilientRepository(db, healthChecker, logger)}
}

// Create сохраняет сообщение; повторный guid дает apperrors.ErrDuplicate
func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.write(ctx, "create_message", func(tx *gorm.DB) error {
		return tx.Create(message).Error
	})
}

// GetByID получает сообщение по ID
func (r *MessageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	err := r.read(ctx, "get_message_by_id", func(tx *gorm.DB) error {
		return tx.First(&message, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// GetByGuid получает сообщение по guid оператора
func (r *MessageRepository) GetByGuid(ctx context.Context, guid string) (*models.Message, error) {
	var message models.Message
	err := r.read(ctx, "get_message_by_guid", func(tx *gorm.DB) error {
		return tx.Where("guid = ?", guid).First(&message).Error
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// Parts возвращает необработанные части многочастного SMS по порядку.
// Номер ссылки оператор переиспользует, поэтому обработанные части и части с другим total не попадают в выборку.
func (r *MessageRepository) Parts(ctx context.Context, userID uint, referenceNumber, totalParts int) ([]models.Message, error) {
	var parts []models.Message
	err := r.read(ctx, "get_message_parts", func(tx *gorm.DB) error {
		return tx.Where("user_id = ? AND csms_reference_number = ? AND csms_total_parts = ? AND processed_at IS NULL",
			userID, referenceNumber, totalParts).
			Order("csms_sequence_number, id").
			Find(&parts).Error
	})
	return parts, err
}

// MarkPartsProcessed отмечает обработанными все еще не обработанные части
func (r *MessageRepository) MarkPartsProcessed(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.write(ctx, "mark_message_parts_processed", func(tx *gorm.DB) error {
		return tx.Model(&models.Message{}).
			Where("id IN ? AND processed_at IS NULL", ids).
			Update("processed_at", at).Error
	})
}

// MarkProcessed отмечает сообщение обработанным; false, если его уже обработал другой воркер
func (r *MessageRepository) MarkProcessed(ctx context.Context, id uint, at time.Time) (bool, error) {
	var won bool
	err := r.write(ctx, "mark_message_processed", func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("id = ? AND processed_at IS NULL", id).
			Update("processed_at", at)
		won = result.RowsAffected == 1
		return result.Error
	})
	return won, err
}

// AssignChat привязывает сообщение к чату
func (r *MessageRepository) AssignChat(ctx context.Context, id, chatID uint) error {
	return r.write(ctx, "assign_message_chat", func(tx *gorm.DB) error {
		return tx.Model(&models.Message{}).Where("id = ?", id).Update("chat_id", chatID).Error
	})
}

// ReleaseProcessed снимает отметку обработки, чтобы повторная попытка задачи смогла ее выполнить
func (r *MessageRepository) ReleaseProcessed(ctx context.Context, id uint) error {
	return r.write(ctx, "release_message_processed", func(tx *gorm.DB) error {
		return tx.Model(&models.Message{}).Where("id = ?", id).Update("processed_at", nil).Error
	})
}
