package postgres

import (
	"context"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UserRepository представляет репозиторий для работы с пользователями
type UserRepository struct {
	resilientRepository
}

// NewUserRepository создает новый экземпляр UserRepository
func NewUserRepository(db *gorm.DB, healthChecker *database.HealthChecker, logger *zap.Logger) *UserRepository {
	return &UserRepository{resilientRepository: newResilientRepository(db, healthChecker, logger)}
}

// Create создает пользователя; повтор номера или экранного имени дает apperrors.ErrDuplicate
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	return r.write(ctx, "create_user", func(tx *gorm.DB) error {
		return tx.Create(user).Error
	})
}

// GetByID получает пользователя по ID
func (r *UserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.read(ctx, "get_user_by_id", func(tx *gorm.DB) error {
		return tx.First(&user, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByMobileNumber получает пользователя по номеру телефона в формате E.164
func (r *UserRepository) GetByMobileNumber(ctx context.Context, mobileNumber string) (*models.User, error) {
	var user models.User
	err := r.read(ctx, "get_user_by_mobile_number", func(tx *gorm.DB) error {
		return tx.Where("mobile_number = ?", mobileNumber).First(&user).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateFields обновляет только переданные поля профиля
func (r *UserRepository) UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	return r.write(ctx, "update_user_fields", func(tx *gorm.DB) error {
		result := tx.Model(&models.User{}).Where("id = ?", id).Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

// SetState меняет состояние присутствия
func (r *UserRepository) SetState(ctx context.Context, id uint, state models.UserState) error {
	return r.write(ctx, "set_user_state", func(tx *gorm.DB) error {
		return tx.Model(&models.User{}).Where("id = ?", id).Update("state", state).Error
	})
}

// SetStateUnlessChatting меняет состояние, только если пользователь не в чате
func (r *UserRepository) SetStateUnlessChatting(ctx context.Context, id uint, state models.UserState) (bool, error) {
	var updated bool
	err := r.write(ctx, "set_user_state_unless_chatting", func(tx *gorm.DB) error {
		result := tx.Model(&models.User{}).
			Where("id = ? AND active_chat_id IS NULL", id).
			Update("state", state)
		updated = result.RowsAffected == 1
		return result.Error
	})
	return updated, err
}

// Touch обновляет время последнего взаимодействия
func (r *UserRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	return r.write(ctx, "touch_user", func(tx *gorm.DB) error {
		return tx.Model(&models.User{}).Where("id = ?", id).Update("last_interacted_at", at).Error
	})
}

// Candidates возвращает доступных пользователей, кроме исключенных, начиная с недавно активных.
// Непустой countryCode ограничивает выборку этой страной до применения limit.
func (r *UserRepository) Candidates(ctx context.Context, excludeIDs []uint, countryCode string, limit int) ([]models.User, error) {
	var users []models.User
	err := r.read(ctx, "find_candidates", func(tx *gorm.DB) error {
		query := tx.Where("state <> ? AND active_chat_id IS NULL", models.UserOffline)
		if len(excludeIDs) > 0 {
			query = query.Where("id NOT IN ?", excludeIDs)
		}
		if countryCode != "" {
			query = query.Where("country_code = ?", countryCode)
		}
		return query.
			Order("last_interacted_at IS NULL, last_interacted_at DESC").
			Order("id").
			Limit(limit).
			Find(&users).Error
	})
	return users, err
}

// FriendIDs возвращает всех, с кем у пользователя когда-либо был чат (включая удаленные)
func (r *UserRepository) FriendIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.read(ctx, "find_friend_ids", func(tx *gorm.DB) error {
		var asInitiator, asFriend []uint
		if err := tx.Unscoped().Model(&models.Chat{}).Where("user_id = ?", userID).Pluck("friend_id", &asInitiator).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Model(&models.Chat{}).Where("friend_id = ?", userID).Pluck("user_id", &asFriend).Error; err != nil {
			return err
		}
		ids = append(asInitiator, asFriend...)
		return nil
	})
	return ids, err
}
