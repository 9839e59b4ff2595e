package models

import (
	"time"
)

// ChargeState состояние запроса на тарификацию
type ChargeState string

const (
	ChargeCreated        ChargeState = "created"
	ChargeAwaitingResult ChargeState = "awaiting_result"
	ChargeSuccessful     ChargeState = "successful"
	ChargeFailed         ChargeState = "failed"
	ChargeErrored        ChargeState = "errored"
)

var chargeTransitions = map[ChargeState][]ChargeState{
	ChargeCreated:        {ChargeAwaitingResult, ChargeErrored},
	ChargeAwaitingResult: {ChargeSuccessful, ChargeFailed, ChargeErrored},
}

// CanTransitionTo проверяет допустимость перехода
func (s ChargeState) CanTransitionTo(next ChargeState) bool {
	for _, allowed := range chargeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Resolved запрос получил окончательный результат
func (s ChargeState) Resolved() bool {
	return len(chargeTransitions[s]) == 0
}

// ChargeRequest асинхронное подтверждение тарификации
type ChargeRequest struct {
	ID           uint      `gorm:"primaryKey"`
	Requester    Requester `gorm:"embedded"`
	UserID       uint      `gorm:"index;not null"`
	Operator     string
	MobileNumber string
	State        ChargeState `gorm:"size:32;not null;default:created;index"`
	Result       string
	Reason       string
	CreatedAt    time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName устанавливает имя таблицы для модели ChargeRequest
func (ChargeRequest) TableName() string {
	return "charge_requests"
}

// Slow запрос ждет результата дольше порога
func (c *ChargeRequest) Slow(now time.Time, after time.Duration) bool {
	return !c.State.Resolved() && now.Sub(c.CreatedAt) > after
}

// ChargeResult результат от сервиса тарификации
type ChargeResult struct {
	Result string `json:"result" binding:"required"`
	Reason string `json:"reason"`
}

// ChargeStateFromResult переводит результат в итоговое состояние
func ChargeStateFromResult(result string) ChargeState {
	switch result {
	case "successful", "success", "ok":
		return ChargeSuccessful
	case "failed", "failure":
		return ChargeFailed
	default:
		return ChargeErrored
	}
}
