package models

import (
	"time"

	"gorm.io/gorm"
)

// Chat пара из инициатора и собеседника.
// Активность вычисляется по UserActive/FriendActive, отдельного статуса нет.
type Chat struct {
	ID       uint `gorm:"primaryKey"`
	UserID   uint `gorm:"index;not null"`
	FriendID uint `gorm:"index;not null"`

	// Множество active_users хранится по столбцу на участника, чтобы гонки писали разные столбцы
	UserActive   bool `gorm:"not null;default:false"`
	FriendActive bool `gorm:"not null;default:false"`

	Starter   Starter        `gorm:"embedded"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime;index"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// TableName устанавливает имя таблицы для модели Chat
func (Chat) TableName() string {
	return "chats"
}

// Includes проверяет, является ли пользователь участником чата
func (c *Chat) Includes(userID uint) bool {
	return userID == c.UserID || userID == c.FriendID
}

// Partner возвращает второго участника
func (c *Chat) Partner(userID uint) (uint, bool) {
	switch userID {
	case c.UserID:
		return c.FriendID, true
	case c.FriendID:
		return c.UserID, true
	default:
		return 0, false
	}
}

// ParticipantIDs возвращает обоих участников, инициатор первым
func (c *Chat) ParticipantIDs() []uint {
	return []uint{c.UserID, c.FriendID}
}

// ActiveUserIDs возвращает активных участников
func (c *Chat) ActiveUserIDs() []uint {
	ids := make([]uint, 0, 2)
	if c.UserActive {
		ids = append(ids, c.UserID)
	}
	if c.FriendActive {
		ids = append(ids, c.FriendID)
	}
	return ids
}

// ActiveCount размер множества active_users
func (c *Chat) ActiveCount() int {
	return len(c.ActiveUserIDs())
}

// IsActive чат активен, только если активны оба участника
func (c *Chat) IsActive() bool {
	return c.UserActive && c.FriendActive
}

// IsActiveUser проверяет, входит ли пользователь в active_users
func (c *Chat) IsActiveUser(userID uint) bool {
	switch userID {
	case c.UserID:
		return c.UserActive
	case c.FriendID:
		return c.FriendActive
	default:
		return false
	}
}

// ActiveColumn возвращает столбец, хранящий активность участника
func (c *Chat) ActiveColumn(userID uint) (string, bool) {
	switch userID {
	case c.UserID:
		return "user_active", true
	case c.FriendID:
		return "friend_active", true
	default:
		return "", false
	}
}

// SetActive меняет активность участника в памяти
func (c *Chat) SetActive(userID uint, active bool) {
	if userID == c.UserID {
		c.UserActive = active
	}
	if userID == c.FriendID {
		c.FriendActive = active
	}
}

// ExpiryMode режим истечения чата по неактивности
type ExpiryMode string

const (
	// ExpiryProvisional короткий таймаут, только для активных чатов
	ExpiryProvisional ExpiryMode = "provisional"
	// ExpiryPermanent длинный таймаут для любых чатов с активными участниками
	ExpiryPermanent ExpiryMode = "permanent"
)
