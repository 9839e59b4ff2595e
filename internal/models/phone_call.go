package models

import (
	"time"
)

// CallState шаг голосового меню
type CallState string

const (
	CallAnswered                 CallState = "answered"
	CallAskingForGender          CallState = "asking_for_gender"
	CallAskingForLookingFor      CallState = "asking_for_looking_for"
	CallAskingForAge             CallState = "asking_for_age"
	CallConnectingUserWithFriend CallState = "connecting_user_with_friend"
	CallCompleted                CallState = "completed"
)

// PhoneCall входящий звонок
type PhoneCall struct {
	ID              uint   `gorm:"primaryKey"`
	Sid             string `gorm:"uniqueIndex;not null"`
	UserID          uint   `gorm:"index;not null"`
	ChatID          *uint  `gorm:"index"`
	From            string
	To              string
	State           CallState `gorm:"size:32;default:answered"`
	Digits          string
	DialStatus      string
	ConnectAttempts int

	// Данные CDR
	Duration   int
	BillSec    int
	Direction  string
	BridgeUUID string

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName устанавливает имя таблицы для модели PhoneCall
func (PhoneCall) TableName() string {
	return "phone_calls"
}

// Interaction возвращает запись для журнала взаимодействий
func (p *PhoneCall) Interaction() Interaction {
	return Interaction{Kind: KindPhoneCall, ID: p.ID, UserID: p.UserID, CreatedAt: p.CreatedAt}
}

// InboundCallStep данные одного шага IVR вебхука
type InboundCallStep struct {
	CallSid    string `form:"CallSid" json:"call_sid" binding:"required"`
	From       string `form:"From" json:"from"`
	To         string `form:"To" json:"to"`
	Digits     string `form:"Digits" json:"digits"`
	CallStatus string `form:"CallStatus" json:"call_status"`
	DialStatus string `form:"DialCallStatus" json:"dial_status"`
}

// CallDataRecord детализация завершенного звонка
type CallDataRecord struct {
	Sid        string `json:"sid" binding:"required"`
	Duration   int    `json:"duration"`
	BillSec    int    `json:"bill_sec"`
	Direction  string `json:"direction"`
	BridgeUUID string `json:"bridge_uuid"`
}
