package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AnonChatService/config"
	"AnonChatService/internal/models"
	"AnonChatService/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"
)

// screenNameAttempts сколько раз пробуем сгенерировать уникальное имя
const screenNameAttempts = 3

// UserDirectory хранит профили пользователей и подбирает кандидатов для знакомства
type UserDirectory struct {
	users  UserRepositoryInterface
	cache  CacheRepositoryInterface
	cfg    config.ChatConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewUserDirectory создает новый экземпляр UserDirectory. cache может быть nil.
func NewUserDirectory(users UserRepositoryInterface, cache CacheRepositoryInterface, cfg config.ChatConfig, logger *zap.Logger) *UserDirectory {
	return &UserDirectory{
		users:  users,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeMobileNumber приводит номер к E.164 и определяет регион
func NormalizeMobileNumber(raw, defaultRegion string) (string, string, error) {
	number, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", "", fmt.Errorf("%w: mobile number %q: %v", apperrors.ErrValidation, raw, err)
	}
	if !phonenumbers.IsPossibleNumber(number) {
		return "", "", fmt.Errorf("%w: mobile number %q is not possible", apperrors.ErrValidation, raw)
	}
	return phonenumbers.Format(number, phonenumbers.E164), phonenumbers.GetRegionCodeForNumber(number), nil
}

// FindOrCreate возвращает пользователя по номеру, создавая его при первом обращении
func (d *UserDirectory) FindOrCreate(ctx context.Context, rawNumber string) (*models.User, bool, error) {
	mobileNumber, region, err := NormalizeMobileNumber(rawNumber, d.cfg.DefaultRegion)
	if err != nil {
		return nil, false, err
	}

	if user, err := d.lookup(ctx, mobileNumber); err == nil {
		return user, false, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, false, err
	}

	for attempt := 0; attempt < screenNameAttempts; attempt++ {
		user := &models.User{
			MobileNumber: mobileNumber,
			ScreenName:   generateScreenName(),
			CountryCode:  region,
			State:        models.UserOnline,
		}

		err := d.users.Create(ctx, user)
		if err == nil {
			d.remember(ctx, user)
			d.logger.Info("User created",
				zap.Uint("user_id", user.ID),
				zap.String("country_code", region))
			return user, true, nil
		}
		if !errors.Is(err, apperrors.ErrDuplicate) {
			return nil, false, err
		}

		// Номер мог создать параллельный запрос, иначе конфликт по screen_name
		if existing, err := d.users.GetByMobileNumber(ctx, mobileNumber); err == nil {
			d.remember(ctx, existing)
			return existing, false, nil
		}
	}

	return nil, false, fmt.Errorf("create user: %w", apperrors.ErrConflict)
}

func (d *UserDirectory) lookup(ctx context.Context, mobileNumber string) (*models.User, error) {
	if d.cache != nil {
		if id, err := d.cache.GetUserID(ctx, mobileNumber); err == nil {
			user, err := d.users.GetByID(ctx, id)
			switch {
			case err == nil && user.MobileNumber == mobileNumber:
				return user, nil
			case err == nil || apperrors.IsNotFound(err):
				// Запись кэша указывает на чужого или удаленного пользователя
				_ = d.cache.DeleteUserID(ctx, mobileNumber)
			}
		}
	}

	user, err := d.users.GetByMobileNumber(ctx, mobileNumber)
	if err != nil {
		return nil, err
	}
	d.remember(ctx, user)
	return user, nil
}

func (d *UserDirectory) remember(ctx context.Context, user *models.User) {
	if d.cache == nil {
		return
	}
	if err := d.cache.SetUserID(ctx, user.MobileNumber, user.ID); err != nil {
		d.logger.Warn("Failed to cache user lookup", zap.Error(err), zap.Uint("user_id", user.ID))
	}
}

// Get получает пользователя по ID
func (d *UserDirectory) Get(ctx context.Context, id uint) (*models.User, error) {
	return d.users.GetByID(ctx, id)
}

// Candidates возвращает упорядоченный список возможных собеседников
func (d *UserDirectory) Candidates(ctx context.Context, user *models.User) ([]models.User, error) {
	friendIDs, err := d.users.FriendIDs(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load friends of user %d: %w", user.ID, err)
	}

	excluded := make(map[uint]bool, len(friendIDs)+1)
	excludeIDs := make([]uint, 0, len(friendIDs)+1)
	for _, id := range append(friendIDs, user.ID) {
		if !excluded[id] {
			excluded[id] = true
			excludeIDs = append(excludeIDs, id)
		}
	}

	candidates, err := d.users.Candidates(ctx, excludeIDs, user.CountryCode, d.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("load candidates for user %d: %w", user.ID, err)
	}

	return Rank(user, candidates, excluded, d.now()), nil
}

// UpdateProfile сохраняет изменения профиля и возвращает актуальную запись
func (d *UserDirectory) UpdateProfile(ctx context.Context, user *models.User, fields map[string]interface{}) (*models.User, error) {
	if len(fields) == 0 {
		return user, nil
	}
	if err := d.users.UpdateFields(ctx, user.ID, fields); err != nil {
		return nil, fmt.Errorf("update profile of user %d: %w", user.ID, err)
	}
	return d.users.GetByID(ctx, user.ID)
}

// MarkOnline возвращает пользователя в сеть
func (d *UserDirectory) MarkOnline(ctx context.Context, user *models.User) error {
	if user.State == models.UserOnline {
		return nil
	}
	if err := d.users.SetState(ctx, user.ID, models.UserOnline); err != nil {
		return err
	}
	user.State = models.UserOnline
	return nil
}

// Touch отмечает взаимодействие пользователя
func (d *UserDirectory) Touch(ctx context.Context, user *models.User) error {
	now := d.now()
	if err := d.users.Touch(ctx, user.ID, now); err != nil {
		return err
	}
	user.LastInteractedAt = &now
	return nil
}

func generateScreenName() string {
	return "anon" + uuid.New().String()[:6]
}
