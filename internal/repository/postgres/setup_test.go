package postgres

import (
	"log"
	"os"
	"testing"
	"time"

	"AnonChatService/internal/models"
	"AnonChatService/pkg/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB создает мок базы данных для проверки генерируемого SQL
func setupTestDB() (*gorm.DB, sqlmock.Sqlmock, error) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		return nil, nil, err
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		DriverName:           "postgres",
		Conn:                 mockDB,
		PreferSimpleProtocol: true,
	})

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, nil, err
	}

	return db, mock, nil
}

// setupSQLiteDB создает изолированную базу SQLite в памяти со всеми таблицами
func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	return db
}

// repositories набор репозиториев поверх одной тестовой базы
type repositories struct {
	db       *gorm.DB
	users    *UserRepository
	chats    *ChatRepository
	messages *MessageRepository
	calls    *PhoneCallRepository
	replies  *ReplyRepository
	charges  *ChargeRequestRepository
}

func newRepositories(t *testing.T) *repositories {
	t.Helper()

	db := setupSQLiteDB(t)
	logger := zap.NewNop()
	health := database.NewDatabaseHealthChecker(db, nil, logger)

	return &repositories{
		db:       db,
		users:    NewUserRepository(db, health, logger),
		chats:    NewChatRepository(db, health, logger),
		messages: NewMessageRepository(db, health, logger),
		calls:    NewPhoneCallRepository(db, health, logger),
		replies:  NewReplyRepository(db, health, logger),
		charges:  NewChargeRequestRepository(db, health, logger),
	}
}

// createUser сохраняет пользователя с уникальным номером
func (r *repositories) createUser(t *testing.T, mutate func(u *models.User)) *models.User {
	t.Helper()

	suffix := uuid.NewString()[:8]
	user := &models.User{
		MobileNumber: "+2779" + suffix,
		ScreenName:   "user" + suffix,
		State:        models.UserOnline,
	}
	if mutate != nil {
		mutate(user)
	}
	if err := r.db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}

// createChat сохраняет чат напрямую, минуя захват участников
func (r *repositories) createChat(t *testing.T, chat *models.Chat) *models.Chat {
	t.Helper()

	if err := r.db.Create(chat).Error; err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}
	return chat
}
