package models

import (
	"time"
)

// Gender пол пользователя
type Gender string

const (
	GenderUnknown Gender = ""
	GenderMale    Gender = "m"
	GenderFemale  Gender = "f"
)

// LookingFor кого ищет пользователь
type LookingFor string

const (
	LookingForUnknown LookingFor = ""
	LookingForMale    LookingFor = "m"
	LookingForFemale  LookingFor = "f"
	LookingForEither  LookingFor = "e"
)

// UserState состояние присутствия пользователя
type UserState string

const (
	UserOnline             UserState = "online"
	UserOffline            UserState = "offline"
	UserSearchingForFriend UserState = "searching_for_friend"
)

// User представляет анонимного пользователя, идентифицируемого номером телефона
type User struct {
	ID           uint   `gorm:"primaryKey"`
	MobileNumber string `gorm:"uniqueIndex;not null"`
	ScreenName   string `gorm:"uniqueIndex;not null"`
	Name         string
	Gender       Gender     `gorm:"size:1"`
	LookingFor   LookingFor `gorm:"size:1"`
	DateOfBirth  *time.Time
	CountryCode  string `gorm:"size:2;index"`
	City         string
	Address      string
	Latitude     *float64
	Longitude    *float64
	OperatorName string
	State        UserState `gorm:"size:32;default:online;index"`

	// ActiveChatID меняется только условными UPDATE, это и есть атомарный захват пользователя чатом
	ActiveChatID     *uint      `gorm:"index"`
	LastInteractedAt *time.Time `gorm:"index"`
	CreatedAt        time.Time  `gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime"`
}

// TableName устанавливает имя таблицы для модели User
func (User) TableName() string {
	return "users"
}

// Online проверяет, что пользователь в сети
func (u *User) Online() bool {
	return u.State != UserOffline
}

// Chatting проверяет, состоит ли пользователь в активном чате
func (u *User) Chatting() bool {
	return u.ActiveChatID != nil
}

// Available проверяет, можно ли предложить пользователю новый чат
func (u *User) Available() bool {
	return u.Online() && !u.Chatting()
}

// Age возвращает возраст в полных годах, если известна дата рождения
func (u *User) Age(now time.Time) (int, bool) {
	if u.DateOfBirth == nil {
		return 0, false
	}
	dob := u.DateOfBirth.UTC()
	now = now.UTC()

	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age, true
}

// Gay проверяет, что пол и предпочтения известны и совпадают
func (u *User) Gay() bool {
	return u.Gender != GenderUnknown && string(u.LookingFor) == string(u.Gender)
}

// OppositeGender возвращает противоположный пол или GenderUnknown
func (u *User) OppositeGender() Gender {
	switch u.Gender {
	case GenderMale:
		return GenderFemale
	case GenderFemale:
		return GenderMale
	default:
		return GenderUnknown
	}
}

// HasLocation проверяет наличие координат
func (u *User) HasLocation() bool {
	return u.Latitude != nil && u.Longitude != nil
}

// DisplayName возвращает имя, под которым пользователь виден собеседнику
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ScreenName
}

// ProfileComplete проверяет, заполнены ли поля, которые спрашивает голосовое меню
func (u *User) ProfileComplete() bool {
	return u.Gender != GenderUnknown && u.LookingFor != LookingForUnknown && u.DateOfBirth != nil
}
