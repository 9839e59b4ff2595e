package models

import (
	"errors"
	"fmt"
	"time"
)

// ReplyState состояние доставки исходящего сообщения
type ReplyState string

const (
	ReplyPendingDelivery ReplyState = "pending_delivery"
	ReplyQueuedForSMSC   ReplyState = "queued_for_smsc_delivery"
	ReplyDeliveredBySMSC ReplyState = "delivered_by_smsc"
	ReplyRejected        ReplyState = "rejected"
	ReplyFailed          ReplyState = "failed"
	ReplyConfirmed       ReplyState = "confirmed"
)

// DeliverySignal событие, меняющее состояние доставки
type DeliverySignal string

const (
	SignalDelivered DeliverySignal = "delivered"
	SignalFailed    DeliverySignal = "failed"
	SignalConfirmed DeliverySignal = "confirmed"
)

// ErrUndefinedTransition переход не определен таблицей состояний
var ErrUndefinedTransition = errors.New("undefined reply state transition")

// replyTransitions таблица переходов: состояние -> сигнал -> новое состояние.
// rejected+delivered ведет в failed: квитанция об успехе повторной попытки пришла после отказа.
var replyTransitions = map[ReplyState]map[DeliverySignal]ReplyState{
	ReplyPendingDelivery: {
		SignalDelivered: ReplyQueuedForSMSC,
	},
	ReplyQueuedForSMSC: {
		SignalDelivered: ReplyDeliveredBySMSC,
		SignalFailed:    ReplyRejected,
		SignalConfirmed: ReplyConfirmed,
	},
	ReplyDeliveredBySMSC: {
		SignalFailed:    ReplyFailed,
		SignalConfirmed: ReplyConfirmed,
	},
	ReplyRejected: {
		SignalDelivered: ReplyFailed,
		SignalFailed:    ReplyFailed,
		SignalConfirmed: ReplyConfirmed,
	},
	ReplyFailed: {
		SignalConfirmed: ReplyConfirmed,
	},
	ReplyConfirmed: {},
}

// Next возвращает состояние после сигнала или ErrUndefinedTransition
func (s ReplyState) Next(signal DeliverySignal) (ReplyState, error) {
	next, ok := replyTransitions[s][signal]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrUndefinedTransition, signal, s)
	}
	return next, nil
}

// Terminal проверяет, что из состояния нет переходов
func (s ReplyState) Terminal() bool {
	return len(replyTransitions[s]) == 0
}

// Finalized доставка завершена (не ожидает отправки и не в пути)
func (s ReplyState) Finalized() bool {
	return s != ReplyPendingDelivery && s != ReplyQueuedForSMSC
}

// Unsuccessful доставка закончилась неудачей
func (s ReplyState) Unsuccessful() bool {
	return s == ReplyFailed || s == ReplyRejected
}

// Reply исходящее сообщение одному получателю
type Reply struct {
	ID          uint  `gorm:"primaryKey"`
	UserID      uint  `gorm:"index;not null"`
	ChatID      *uint `gorm:"index"`
	Body        string
	Destination string
	Token       *string    `gorm:"uniqueIndex"`
	State       ReplyState `gorm:"size:32;not null;default:pending_delivery;index"`
	DeliveredAt *time.Time

	// DeliveryScheduledAt отмечает, что доставка уже поставлена в очередь
	DeliveryScheduledAt *time.Time
	CreatedAt           time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

// TableName устанавливает имя таблицы для модели Reply
func (Reply) TableName() string {
	return "replies"
}

// Undelivered ответ ждет отправки и еще не поставлен в очередь
func (r *Reply) Undelivered() bool {
	return r.State == ReplyPendingDelivery && r.DeliveryScheduledAt == nil
}

// SMSAddress адрес назначения в формате шлюза
func (r *Reply) SMSAddress() string {
	return "sms://" + r.Destination
}

// DeliveryReceipt квитанция о доставке от шлюза
type DeliveryReceipt struct {
	Token   string `json:"token" binding:"required"`
	State   string `json:"state" binding:"required"`
	Channel string `json:"channel"`
}

// SignalFromReceipt переводит состояние квитанции в сигнал
func SignalFromReceipt(state string) (DeliverySignal, bool) {
	switch DeliverySignal(state) {
	case SignalDelivered, SignalFailed, SignalConfirmed:
		return DeliverySignal(state), true
	default:
		return "", false
	}
}

// SignalFromTwilioStatus переводит статус Twilio в сигнал доставки
func SignalFromTwilioStatus(status string) (DeliverySignal, bool) {
	switch status {
	case "sent":
		return SignalDelivered, true
	case "delivered":
		return SignalConfirmed, true
	case "failed", "undelivered":
		return SignalFailed, true
	default:
		return "", false
	}
}
