// Пакет model — доменные модели capture-sync: фотографии, теги,
// ассоциации фото-тег, элементы очереди и снимки удалённого состояния.
package model

import (
	"fmt"
	"time"
)

// ComplianceStatus — оценка соответствия требованиям безопасности на фото.
type ComplianceStatus string

const (
	ComplianceCompliant        ComplianceStatus = "compliant"
	ComplianceNeedsImprovement ComplianceStatus = "needs_improvement"
	ComplianceUnknown          ComplianceStatus = "unknown"
)

// SyncStatus — статус синхронизации фотографии.
type SyncStatus string

const (
	// SyncPending — ожидает загрузки
	SyncPending SyncStatus = "pending"
	// SyncSyncing — загрузка выполняется (фото захвачено воркером)
	SyncSyncing SyncStatus = "syncing"
	// SyncSynced — загружено, есть ссылка на удалённую запись
	SyncSynced SyncStatus = "synced"
	// SyncFailed — временная ошибка, ожидает повтора
	SyncFailed SyncStatus = "failed"
	// SyncDeadLetter — повторы прекращены, нужен ручной повтор
	SyncDeadLetter SyncStatus = "dead_letter"
)

// PriorityTier — уровень приоритета в очереди загрузок.
type PriorityTier string

const (
	// PriorityHigh — инциденты и фото с нарушениями
	PriorityHigh PriorityTier = "high"
	// PriorityNormal — рутинные фото
	PriorityNormal PriorityTier = "normal"
)

// GeoPoint — координаты места съёмки.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate проверяет диапазон координат.
func (g GeoPoint) Validate() error {
	if g.Lat < -90 || g.Lat > 90 {
		return fmt.Errorf("широта %v вне диапазона [-90, 90]", g.Lat)
	}
	if g.Lon < -180 || g.Lon > 180 {
		return fmt.Errorf("долгота %v вне диапазона [-180, 180]", g.Lon)
	}
	return nil
}

// Photo — запись о захваченной фотографии.
type Photo struct {
	// ID — уникальный идентификатор (UUID v4)
	ID string `json:"id"`
	// UserID — автор снимка
	UserID string `json:"user_id"`
	// ProjectID — проект (nil, если фото вне проекта)
	ProjectID *string `json:"project_id,omitempty"`

	// StoragePath — путь к файлу относительно CS_DATA_DIR
	StoragePath string `json:"storage_path"`
	// Checksum — SHA-256 содержимого на момент захвата
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`

	CapturedAt time.Time        `json:"captured_at"`
	Location   *GeoPoint        `json:"location,omitempty"`
	Compliance ComplianceStatus `json:"compliance_status"`

	SyncStatus  SyncStatus   `json:"sync_status"`
	Priority    PriorityTier `json:"priority"`
	Attempts    int          `json:"attempts"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	// QueuedAt — момент постановки в очередь, определяет FIFO внутри уровня
	QueuedAt  *time.Time `json:"queued_at,omitempty"`
	RemoteRef *string    `json:"remote_ref,omitempty"`

	// Revision увеличивается при каждом сохранённом изменении записи.
	Revision int64 `json:"revision"`
	// ContentUpdatedAt — время последнего изменения содержательных полей.
	// Используется в last-writer-wins при слиянии с сервером.
	ContentUpdatedAt time.Time `json:"content_updated_at"`

	LastError        string `json:"last_error,omitempty"`
	DeadLetterReason string `json:"dead_letter_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает глубокую копию записи.
func (p *Photo) Clone() *Photo {
	if p == nil {
		return nil
	}
	c := *p
	if p.ProjectID != nil {
		v := *p.ProjectID
		c.ProjectID = &v
	}
	if p.Location != nil {
		v := *p.Location
		c.Location = &v
	}
	if p.NextRetryAt != nil {
		v := *p.NextRetryAt
		c.NextRetryAt = &v
	}
	if p.QueuedAt != nil {
		v := *p.QueuedAt
		c.QueuedAt = &v
	}
	if p.RemoteRef != nil {
		v := *p.RemoteRef
		c.RemoteRef = &v
	}
	return &c
}

// Project возвращает идентификатор проекта или пустую строку.
func (p *Photo) Project() string {
	if p.ProjectID == nil {
		return ""
	}
	return *p.ProjectID
}

// DefaultPriority выбирает уровень очереди по оценке соответствия:
// фото с нарушениями загружаются первыми.
func DefaultPriority(c ComplianceStatus) PriorityTier {
	if c == ComplianceNeedsImprovement {
		return PriorityHigh
	}
	return PriorityNormal
}

// ParseComplianceStatus преобразует строку в ComplianceStatus.
func ParseComplianceStatus(s string) (ComplianceStatus, error) {
	switch c := ComplianceStatus(s); c {
	case ComplianceCompliant, ComplianceNeedsImprovement, ComplianceUnknown:
		return c, nil
	default:
		return "", fmt.Errorf("недопустимый статус соответствия: %q, допустимые: compliant, needs_improvement, unknown", s)
	}
}

// ParseSyncStatus преобразует строку в SyncStatus.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(s); st {
	case SyncPending, SyncSyncing, SyncSynced, SyncFailed, SyncDeadLetter:
		return st, nil
	default:
		return "", fmt.Errorf("недопустимый статус синхронизации: %q", s)
	}
}

// ParsePriorityTier преобразует строку в PriorityTier.
func ParsePriorityTier(s string) (PriorityTier, error) {
	switch p := PriorityTier(s); p {
	case PriorityHigh, PriorityNormal:
		return p, nil
	default:
		return "", fmt.Errorf("недопустимый приоритет: %q, допустимые: high, normal", s)
	}
}
