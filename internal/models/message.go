package models

import (
	"time"
)

// Message входящее SMS, журнал только на добавление
type Message struct {
	ID      uint  `gorm:"primaryKey"`
	UserID  uint  `gorm:"index;not null"`
	ChatID  *uint `gorm:"index"`
	From    string
	Body    string
	Channel string
	Guid    *string `gorm:"uniqueIndex"`

	// Поля сборки многочастного SMS
	CsmsReferenceNumber *int `gorm:"index"`
	CsmsTotalParts      *int
	CsmsSequenceNumber  *int

	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName устанавливает имя таблицы для модели Message
func (Message) TableName() string {
	return "messages"
}

// Multipart проверяет, является ли сообщение частью многочастного SMS
func (m *Message) Multipart() bool {
	return m.CsmsReferenceNumber != nil && m.CsmsTotalParts != nil && *m.CsmsTotalParts > 1
}

// LeadPart проверяет, является ли сообщение первой частью (или обычным SMS)
func (m *Message) LeadPart() bool {
	if !m.Multipart() {
		return true
	}
	return m.CsmsSequenceNumber != nil && *m.CsmsSequenceNumber == 1
}

// Interaction возвращает запись для журнала взаимодействий
func (m *Message) Interaction() Interaction {
	return Interaction{Kind: KindMessage, ID: m.ID, UserID: m.UserID, CreatedAt: m.CreatedAt}
}

// InboundMessage нормализованные данные входящего SMS
type InboundMessage struct {
	From                string `json:"from" binding:"required"`
	Body                string `json:"body"`
	Channel             string `json:"channel"`
	Guid                string `json:"guid"`
	Operator            string `json:"operator"`
	CsmsReferenceNumber *int   `json:"csms_reference_number"`
	CsmsTotalParts      *int   `json:"csms_total_parts"`
	CsmsSequenceNumber  *int   `json:"csms_sequence_number"`
}
