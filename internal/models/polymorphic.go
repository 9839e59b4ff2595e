package models

// InteractionKind дискриминант полиморфной ссылки на взаимодействие
type InteractionKind string

const (
	KindMessage   InteractionKind = "Message"
	KindPhoneCall InteractionKind = "PhoneCall"
)

// Ref ссылка на запись конкретного типа
type Ref struct {
	Kind InteractionKind
	ID   uint
}

// Starter событие, с которого начался чат (сообщение или звонок)
type Starter struct {
	Kind  InteractionKind `gorm:"column:starter_type;size:32"`
	RefID *uint           `gorm:"column:starter_id"`
}

// StarterFor создает ссылку на стартовое событие
func StarterFor(kind InteractionKind, id uint) Starter {
	return Starter{Kind: kind, RefID: &id}
}

// Ref возвращает ссылку, если стартовое событие задано
func (s Starter) Ref() (Ref, bool) {
	if s.Kind == "" || s.RefID == nil {
		return Ref{}, false
	}
	return Ref{Kind: s.Kind, ID: *s.RefID}, true
}

// Requester запись, для которой выполняется тарификация
type Requester struct {
	Kind  InteractionKind `gorm:"column:requester_type;size:32;index:idx_charge_requester"`
	RefID *uint           `gorm:"column:requester_id;index:idx_charge_requester"`
}

// RequesterFor создает ссылку на инициатора тарификации
func RequesterFor(kind InteractionKind, id uint) Requester {
	return Requester{Kind: kind, RefID: &id}
}

// Ref возвращает ссылку, если инициатор задан
func (r Requester) Ref() (Ref, bool) {
	if r.Kind == "" || r.RefID == nil {
		return Ref{}, false
	}
	return Ref{Kind: r.Kind, ID: *r.RefID}, true
}
