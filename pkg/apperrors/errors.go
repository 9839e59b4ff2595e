package apperrors

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Классы ошибок, на которые опираются обработчики и воркеры
var (
	// ErrNotFound возвращается, когда запись не найдена (обобщенная ошибка)
	ErrNotFound = errors.New("record not found")

	// ErrCacheMiss возвращается, когда ключ не найден в Redis
	ErrCacheMiss = redis.Nil

	// ErrRecordNotFound возвращается, когда запись не найдена в базе данных
	ErrRecordNotFound = gorm.ErrRecordNotFound

	// ErrValidation возвращается при некорректных входных данных, состояние не меняется
	ErrValidation = errors.New("validation failed")

	// ErrNotReady означает, что зависимость еще не доступна и задачу нужно перепланировать
	ErrNotReady = errors.New("dependency not ready")

	// ErrConflict означает, что условное обновление проиграло гонку
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrDuplicate возвращается при повторной доставке уже обработанного события
	ErrDuplicate = errors.New("duplicate event")

	// IgnoredErrors содержит ошибки, которые не учитываются circuit breaker
	IgnoredErrors = []error{
		ErrNotFound,
		ErrCacheMiss,
		ErrRecordNotFound,
		ErrValidation,
		ErrConflict,
		ErrDuplicate,
		ErrNotReady,
	}
)

// IsNotFound проверяет, является ли ошибка ошибкой "запись не найдена"
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCacheMiss) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsValidation проверяет, является ли ошибка ошибкой валидации
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotReady проверяет, нужно ли перепланировать задачу с задержкой
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}
