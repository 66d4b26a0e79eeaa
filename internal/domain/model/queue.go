package model

import "time"

// QueueItem — элемент очереди загрузок. Не хранится отдельно:
// восстанавливается из записей Photo при старте.
type QueueItem struct {
	PhotoID     string       `json:"photo_id"`
	Tier        PriorityTier `json:"tier"`
	QueuedAt    time.Time    `json:"queued_at"`
	Status      SyncStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
}

// Eligible сообщает, можно ли взять элемент в работу в момент now.
func (q *QueueItem) Eligible(now time.Time) bool {
	switch q.Status {
	case SyncPending:
		return true
	case SyncFailed:
		return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
	default:
		return false
	}
}

// QueueStatus — состояние фотографии для отображения прогресса.
type QueueStatus struct {
	PhotoID          string       `json:"photo_id"`
	Status           SyncStatus   `json:"status"`
	Tier             PriorityTier `json:"tier"`
	Attempts         int          `json:"attempts"`
	NextRetryAt      *time.Time   `json:"next_retry_at,omitempty"`
	Queued           bool         `json:"queued"`
	InFlight         bool         `json:"in_flight"`
	LastError        string       `json:"last_error,omitempty"`
	DeadLetterReason string       `json:"dead_letter_reason,omitempty"`
}

// ItemFromPhoto строит элемент очереди по записи фотографии.
func ItemFromPhoto(p *Photo) *QueueItem {
	item := &QueueItem{
		PhotoID:  p.ID,
		Tier:     p.Priority,
		Status:   p.SyncStatus,
		Attempts: p.Attempts,
	}
	if p.QueuedAt != nil {
		item.QueuedAt = *p.QueuedAt
	} else {
		item.QueuedAt = p.CreatedAt
	}
	if p.NextRetryAt != nil {
		v := *p.NextRetryAt
		item.NextRetryAt = &v
	}
	return item
}

// QueueEvent — изменение состояния фотографии в конвейере синхронизации.
type QueueEvent struct {
	PhotoID     string     `json:"photo_id"`
	Status      SyncStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// Reason — причина ошибки или перевода в dead_letter
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFromPhoto строит событие по текущему состоянию записи.
func EventFromPhoto(p *Photo, at time.Time) QueueEvent {
	e := QueueEvent{
		PhotoID:   p.ID,
		Status:    p.SyncStatus,
		Attempts:  p.Attempts,
		Timestamp: at,
	}
	if p.NextRetryAt != nil {
		v := *p.NextRetryAt
		e.NextRetryAt = &v
	}
	switch p.SyncStatus {
	case SyncDeadLetter:
		e.Reason = p.DeadLetterReason
	case SyncFailed:
		e.Reason = p.LastError
	}
	return e
}
