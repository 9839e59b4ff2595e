package postgres

import (
	"context"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReplyRepository представляет репозиторий исходящих ответов.
// Состояние меняется только условными UPDATE ... WHERE state = <ожидаемое>.
type ReplyRepository struct {
	resilientRepository
}

// NewReplyRepository создает новый экземпляр ReplyRepository
func NewReplyRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) *ReplyRepository {
	return &ReplyRepository{resilientRepository: newResilientRepository(db, healthChecker, logger)}
}

// Create сохраняет ответ в состоянии pending_delivery
func (r *ReplyRepository) Create(ctx context.Context, reply *models.Reply) error {
	if reply.State == "" {
		reply.State = models.ReplyPendingDelivery
	}
	return r.write(ctx, "create_reply", func(tx *gorm.DB) error {
		return tx.Create(reply).Error
	})
}

// GetByID получает ответ по ID
func (r *ReplyRepository) GetByID(ctx context.Context, id uint) (*models.Reply, error) {
	var reply models.Reply
	err := r.read(ctx, "get_reply_by_id", func(tx *gorm.DB) error {
		return tx.First(&reply, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetByToken получает ответ по токену шлюза
func (r *ReplyRepository) GetByToken(ctx context.Context, token string) (*models.Reply, error) {
	var reply models.Reply
	err := r.read(ctx, "get_reply_by_token", func(tx *gorm.DB) error {
		return tx.Where("token = ?", token).First(&reply).Error
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Undelivered возвращает неотправленные ответы чата в порядке создания; userID ограничивает получателя
func (r *ReplyRepository) Undelivered(ctx context.Context, chatID uint, userID *uint) ([]models.Reply, error) {
	var replies []models.Reply
	err := r.read(ctx, "get_undelivered_replies", func(tx *gorm.DB) error {
		query := tx.Where("chat_id = ? AND state = ? AND delivery_scheduled_at IS NULL", chatID, models.ReplyPendingDelivery)
		if userID != nil {
			query = query.Where("user_id = ?", *userID)
		}
		return query.Order("created_at, id").Find(&replies).Error
	})
	return replies, err
}

// ClaimForDelivery отмечает ответы поставленными в очередь; возвращает только выигранные захваты
func (r *ReplyRepository) ClaimForDelivery(ctx context.Context, ids []uint, at time.Time) ([]uint, error) {
	claimed := make([]uint, 0, len(ids))
	err := r.write(ctx, "claim_replies_for_delivery", func(tx *gorm.DB) error {
		for _, id := range ids {
			result := tx.Model(&models.Reply{}).
				Where("id = ? AND state = ? AND delivery_scheduled_at IS NULL", id, models.ReplyPendingDelivery).
				UpdateColumn("delivery_scheduled_at", at)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	return claimed, err
}

// ReleaseClaims снимает отметку очереди с ответов, которые так и не ушли
func (r *ReplyRepository) ReleaseClaims(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.write(ctx, "release_reply_claims", func(tx *gorm.DB) error {
		return tx.Model(&models.Reply{}).
			Where("id IN ? AND state = ?", ids, models.ReplyPendingDelivery).
			UpdateColumn("delivery_scheduled_at", nil).Error
	})
}

// MarkQueued записывает токен шлюза и переводит ответ из pending_delivery в queued_for_smsc_delivery
func (r *ReplyRepository) MarkQueued(ctx context.Context, id uint, token string, at time.Time) (bool, error) {
	var won bool
	err := r.write(ctx, "mark_reply_queued", func(tx *gorm.DB) error {
		result := tx.Model(&models.Reply{}).
			Where("id = ? AND state = ?", id, models.ReplyPendingDelivery).
			Updates(map[string]interface{}{
				"state":        models.ReplyQueuedForSMSC,
				"token":        token,
				"delivered_at": at,
			})
		won = result.RowsAffected == 1
		return result.Error
	})
	return won, err
}

// CompareAndSetState меняет состояние, только если в базе все еще from
func (r *ReplyRepository) CompareAndSetState(ctx context.Context, id uint, from, to models.ReplyState) (bool, error) {
	var won bool
	err := r.write(ctx, "compare_and_set_reply_state", func(tx *gorm.DB) error {
		result := tx.Model(&models.Reply{}).
			Where("id = ? AND state = ?", id, from).
			Update("state", to)
		won = result.RowsAffected == 1
		return result.Error
	})
	return won, err
}

// RecentFinalizedStates возвращает состояния последних завершенных доставок пользователю
func (r *ReplyRepository) RecentFinalizedStates(ctx context.Context, userID uint, limit int) ([]models.ReplyState, error) {
	var states []models.ReplyState
	err := r.read(ctx, "recent_finalized_reply_states", func(tx *gorm.DB) error {
		return tx.Model(&models.Reply{}).
			Where("user_id = ? AND state NOT IN ?", userID, []models.ReplyState{models.ReplyPendingDelivery, models.ReplyQueuedForSMSC}).
			Order("created_at DESC, id DESC").
			Limit(limit).
			Pluck("state", &states).Error
	})
	return states, err
}

// DeleteDeliveredBefore удаляет старые ответы, кроме еще не отправленных
func (r *ReplyRepository) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := r.write(ctx, "delete_delivered_replies", func(tx *gorm.DB) error {
		result := tx.Where("created_at < ? AND state <> ?", before, models.ReplyPendingDelivery).Delete(&models.Reply{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}
