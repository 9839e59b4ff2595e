package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/internal/repository/postgres"
	"AnonChatService/pkg/apperrors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DevEnvironmentSeeder обрабатывает заполнение тестовыми данными среды разработки
type DevEnvironmentSeeder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDevEnvironmentSeeder создает новый объект для заполнения тестовыми данными
func NewDevEnvironmentSeeder(db *gorm.DB, logger *zap.Logger) *DevEnvironmentSeeder {
	return &DevEnvironmentSeeder{
		db:     db,
		logger: logger,
	}
}

// devUsers пара собеседников из Кейптауна с заполненными анкетами
func devUsers(now time.Time) []models.User {
	dateOfBirth := func(years int) *time.Time {
		t := now.AddDate(-years, 0, 0)
		return &t
	}
	latitude, longitude := -33.9249, 18.4241

	return []models.User{
		{
			MobileNumber: "+27820000001",
			ScreenName:   "dev_alice",
			Name:         "Alice",
			Gender:       models.GenderFemale,
			LookingFor:   models.LookingForMale,
			DateOfBirth:  dateOfBirth(24),
			CountryCode:  "ZA",
			City:         "Cape Town",
			Latitude:     &latitude,
			Longitude:    &longitude,
			State:        models.UserOnline,
		},
		{
			MobileNumber: "+27820000002",
			ScreenName:   "dev_bob",
			Name:         "Bob",
			Gender:       models.GenderMale,
			LookingFor:   models.LookingForFemale,
			DateOfBirth:  dateOfBirth(26),
			CountryCode:  "ZA",
			City:         "Cape Town",
			Latitude:     &latitude,
			Longitude:    &longitude,
			State:        models.UserOnline,
		},
		{
			MobileNumber: "+27820000003",
			ScreenName:   "dev_sam",
			Gender:       models.GenderMale,
			LookingFor:   models.LookingForEither,
			CountryCode:  "ZA",
			State:        models.UserOnline,
		},
	}
}

// SeedTestUsers создает тестовых пользователей, если мы находимся в режиме разработки
func (s *DevEnvironmentSeeder) SeedTestUsers(ctx context.Context) error {
	if os.Getenv("APP_ENV") != "development" {
		s.logger.Debug("Не в режиме разработки, пропускаем создание тестовых пользователей")
		return nil
	}

	s.logger.Info("Заполнение тестовыми пользователями для среды разработки")

	repo := postgres.NewUserRepository(s.db, nil, s.logger)
	created := 0
	for _, user := range devUsers(time.Now().UTC()) {
		existing, err := repo.GetByMobileNumber(ctx, user.MobileNumber)
		if err == nil && existing != nil {
			continue
		}
		if err != nil && !apperrors.IsNotFound(err) {
			return fmt.Errorf("не удалось проверить тестового пользователя: %w", err)
		}

		user := user
		if err := repo.Create(ctx, &user); err != nil {
			s.logger.Error("Не удалось создать тестового пользователя", zap.Error(err), zap.String("screen_name", user.ScreenName))
			return err
		}
		created++
	}

	s.logger.Info("Тестовые пользователи готовы", zap.Int("created", created))
	return nil
}

// SeedAllDevData заполняет все данные для разработки
func (s *DevEnvironmentSeeder) SeedAllDevData(ctx context.Context) error {
	return s.SeedTestUsers(ctx)
}
