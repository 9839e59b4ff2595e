package postgres

import (
	"context"
	"errors"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChatRepository представляет репозиторий чатов.
// Захват пользователя чатом и флаг active_users меняются вместе в одной транзакции.
type ChatRepository struct {
	resilientRepository
}

// NewChatRepository создает новый экземпляр ChatRepository
func NewChatRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) *ChatRepository {
	return &ChatRepository{resilientRepository: newResilientRepository(db, healthChecker, logger)}
}

// GetByID получает чат по ID
func (r *ChatRepository) GetByID(ctx context.Context, id uint) (*models.Chat, error) {
	var chat models.Chat
	err := r.read(ctx, "get_chat_by_id", func(tx *gorm.DB) error {
		return tx.First(&chat, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// CreateActive создает чат и захватывает перечисленных участников.
// Если кого-то захватить не удалось, транзакция откатывается и возвращается его ID с apperrors.ErrConflict.
func (r *ChatRepository) CreateActive(ctx context.Context, chat *models.Chat, claims []uint) (uint, error) {
	var lost uint

	for _, userID := range claims {
		chat.SetActive(userID, true)
	}

	err := r.transaction(ctx, "create_active_chat", func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		for _, userID := range claims {
			ok, err := claimUser(tx, userID, chat.ID)
			if err != nil {
				return err
			}
			if !ok {
				lost = userID
				return apperrors.ErrConflict
			}
		}
		return nil
	})
	if err != nil {
		chat.ID = 0
		chat.UserActive, chat.FriendActive = false, false
		return lost, err
	}

	return 0, nil
}

// ActivateParticipants добавляет участников в active_users; возвращает тех, кого удалось захватить
func (r *ChatRepository) ActivateParticipants(ctx context.Context, chat *models.Chat, userIDs []uint) ([]uint, error) {
	claimed := make([]uint, 0, len(userIDs))

	for _, userID := range userIDs {
		column, ok := chat.ActiveColumn(userID)
		if !ok {
			continue
		}

		var won bool
		err := r.transaction(ctx, "activate_chat_participant", func(tx *gorm.DB) error {
			var err error
			won, err = claimUser(tx, userID, chat.ID)
			if err != nil || !won {
				return err
			}
			result := tx.Model(&models.Chat{}).Where("id = ?", chat.ID).
				Updates(map[string]interface{}{column: true, "updated_at": time.Now().UTC()})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Чат удален очисткой, захват откатывается
				won = false
				return apperrors.ErrConflict
			}
			return nil
		})
		if err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return claimed, err
		}
		if won {
			chat.SetActive(userID, true)
			claimed = append(claimed, userID)
		}
	}

	return claimed, nil
}

// Deactivate убирает участников из active_users и освобождает их; возвращает реально освобожденных
func (r *ChatRepository) Deactivate(ctx context.Context, chat *models.Chat, userIDs []uint) ([]uint, error) {
	released := make([]uint, 0, len(userIDs))

	for _, userID := range userIDs {
		column, ok := chat.ActiveColumn(userID)
		if !ok {
			continue
		}

		var changed bool
		err := r.transaction(ctx, "deactivate_chat_participant", func(tx *gorm.DB) error {
			// Флаг снимается условно: параллельный вызов для того же участника ничего не изменит
			result := tx.Model(&models.Chat{}).
				Where("id = ? AND "+column+" = ?", chat.ID, true).
				UpdateColumn(column, false)
			if result.Error != nil {
				return result.Error
			}
			chatChanged := result.RowsAffected == 1

			result = tx.Model(&models.User{}).
				Where("id = ? AND active_chat_id = ?", userID, chat.ID).
				Update("active_chat_id", nil)
			if result.Error != nil {
				return result.Error
			}
			changed = chatChanged || result.RowsAffected == 1
			return nil
		})
		if err != nil {
			return released, err
		}

		chat.SetActive(userID, false)
		if changed {
			released = append(released, userID)
		}
	}

	return released, nil
}

// Touch отмечает взаимодействие в чате
func (r *ChatRepository) Touch(ctx context.Context, chatID uint, at time.Time) error {
	return r.write(ctx, "touch_chat", func(tx *gorm.DB) error {
		return tx.Model(&models.Chat{}).Where("id = ?", chatID).UpdateColumn("updated_at", at).Error
	})
}

// RecentInteractions возвращает последние сообщения и звонки чата вместе, от новых к старым
func (r *ChatRepository) RecentInteractions(ctx context.Context, chatID uint, limit int) ([]models.Interaction, error) {
	var messages []models.Message
	var calls []models.PhoneCall

	err := r.read(ctx, "recent_interactions", func(tx *gorm.DB) error {
		if err := tx.Select("id", "user_id", "created_at").
			Where("chat_id = ?", chatID).
			Order("created_at DESC, id DESC").
			Limit(limit).
			Find(&messages).Error; err != nil {
			return err
		}
		return tx.Select("id", "user_id", "created_at").
			Where("chat_id = ?", chatID).
			Order("created_at DESC, id DESC").
			Limit(limit).
			Find(&calls).Error
	})
	if err != nil {
		return nil, err
	}

	items := make([]models.Interaction, 0, len(messages)+len(calls))
	for i := range messages {
		items = append(items, messages[i].Interaction())
	}
	for i := range calls {
		items = append(items, calls[i].Interaction())
	}
	models.SortInteractions(items)

	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Expirable возвращает чаты, которые не обновлялись с момента before
func (r *ChatRepository) Expirable(ctx context.Context, mode models.ExpiryMode, before time.Time, limit int) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.read(ctx, "find_expirable_chats", func(tx *gorm.DB) error {
		query := tx.Where("updated_at < ?", before)
		if mode == models.ExpiryProvisional {
			query = query.Where("user_active = ? AND friend_active = ?", true, true)
		} else {
			query = query.Where("(user_active = ? OR friend_active = ?)", true, true)
		}
		return query.Order("updated_at, id").Limit(limit).Find(&chats).Error
	})
	return chats, err
}

// LatestWithUndeliveredRepliesFor возвращает самый свежий другой чат пользователя с неотправленными ему ответами
func (r *ChatRepository) LatestWithUndeliveredRepliesFor(ctx context.Context, userID, excludeChatID uint) (*models.Chat, error) {
	var chat models.Chat
	err := r.read(ctx, "latest_chat_with_undelivered_replies", func(tx *gorm.DB) error {
		return tx.Where("(user_id = ? OR friend_id = ?) AND id <> ?", userID, userID, excludeChatID).
			Where("EXISTS (SELECT 1 FROM replies WHERE replies.chat_id = chats.id AND replies.user_id = ? AND replies.state = ? AND replies.delivery_scheduled_at IS NULL)",
				userID, models.ReplyPendingDelivery).
			Order("updated_at DESC, id DESC").
			First(&chat).Error
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// WithUndeliveredReplies возвращает неактивные чаты, в которых есть неотправленные ответы
func (r *ChatRepository) WithUndeliveredReplies(ctx context.Context, limit int) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.read(ctx, "chats_with_undelivered_replies", func(tx *gorm.DB) error {
		return tx.Where("NOT (user_active = ? AND friend_active = ?)", true, true).
			Where("EXISTS (SELECT 1 FROM replies WHERE replies.chat_id = chats.id AND replies.state = ? AND replies.delivery_scheduled_at IS NULL)",
				models.ReplyPendingDelivery).
			Order("updated_at DESC, id DESC").
			Limit(limit).
			Find(&chats).Error
	})
	return chats, err
}

// DeleteStale мягко удаляет старые пустые чаты без активных участников и неотправленных ответов
func (r *ChatRepository) DeleteStale(ctx context.Context, before time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.write(ctx, "delete_stale_chats", func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.Chat{}).
			Where("updated_at < ? AND user_active = ? AND friend_active = ?", before, false, false).
			Where("NOT EXISTS (SELECT 1 FROM messages WHERE messages.chat_id = chats.id)").
			Where("NOT EXISTS (SELECT 1 FROM phone_calls WHERE phone_calls.chat_id = chats.id)").
			Where("NOT EXISTS (SELECT 1 FROM replies WHERE replies.chat_id = chats.id AND replies.state = ?)", models.ReplyPendingDelivery).
			Order("id").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// Условие активности повторяется: участник мог вернуться между выборкой и удалением
		result := tx.Where("id IN ? AND user_active = ? AND friend_active = ?", ids, false, false).Delete(&models.Chat{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}

// claimUser атомарно привязывает пользователя к чату, если он в сети и свободен (или уже в этом чате)
func claimUser(tx *gorm.DB, userID, chatID uint) (bool, error) {
	result := tx.Model(&models.User{}).
		Where("id = ? AND state <> ? AND (active_chat_id IS NULL OR active_chat_id = ?)", userID, models.UserOffline, chatID).
		Update("active_chat_id", chatID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
