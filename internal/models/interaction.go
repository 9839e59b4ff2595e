package models

import (
	"sort"
	"time"
)

// Interaction элемент общего журнала сообщений и звонков чата
type Interaction struct {
	Kind      InteractionKind
	ID        uint
	UserID    uint
	CreatedAt time.Time
}

// kindOrder при равном времени сообщение идет раньше звонка
var kindOrder = map[InteractionKind]int{
	KindMessage:   0,
	KindPhoneCall: 1,
}

// SortInteractions сортирует от новых к старым; при равном времени сообщение раньше звонка, затем больший id
func SortInteractions(items []Interaction) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.Kind != b.Kind {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		return a.ID > b.ID
	})
}

// OneSided проверяет, что последние n взаимодействий (отсортированных SortInteractions)
// принадлежат одному пользователю. Меньше n взаимодействий никогда не считается односторонним.
func OneSided(items []Interaction, n int) (uint, bool) {
	if n <= 0 || len(items) < n {
		return 0, false
	}
	sender := items[0].UserID
	for _, item := range items[1:n] {
		if item.UserID != sender {
			return 0, false
		}
	}
	return sender, true
}
