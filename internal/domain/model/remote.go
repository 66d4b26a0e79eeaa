package model

import (
	"errors"
	"fmt"
	"time"
)

// UsageDelta — приращение счётчика, отправляемое вместе с фотографией.
type UsageDelta struct {
	TagID   string   `json:"tag_id"`
	Scope   TagScope `json:"scope"`
	OwnerID string   `json:"owner_id"`
	Delta   int64    `json:"delta"`
	// Count — локальное значение счётчика на момент формирования пакета
	Count int64 `json:"count"`
}

// UploadPayload — всё, что передаётся на сервер при загрузке фотографии.
type UploadPayload struct {
	Photo        *Photo                 `json:"photo"`
	Content      []byte                 `json:"-"`
	Associations []*PhotoTagAssociation `json:"associations"`
	UsageDeltas  []UsageDelta           `json:"usage_deltas"`
}

// UploadReceipt — ответ сервера на успешную загрузку.
type UploadReceipt struct {
	RemoteRef string `json:"remote_ref"`
	// Snapshot — состояние записи на сервере после приёма (может отсутствовать)
	Snapshot *RemoteSnapshot `json:"snapshot,omitempty"`
}

// RemoteAssociation — ассоциация фото-тег в представлении сервера.
type RemoteAssociation struct {
	TagID      string            `json:"tag_id"`
	Source     AssociationSource `json:"source"`
	Confidence *float64          `json:"confidence,omitempty"`
	AppliedAt  time.Time         `json:"applied_at"`
	AppliedBy  string            `json:"applied_by"`
	ModifiedAt time.Time         `json:"modified_at"`
}

// RemoteTag — определение тега, известное серверу.
type RemoteTag struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Category TagCategory `json:"category"`
	Custom   bool        `json:"custom"`
}

// RemoteUsage — серверное значение счётчика использования.
type RemoteUsage struct {
	TagID      string    `json:"tag_id"`
	Scope      TagScope  `json:"scope"`
	OwnerID    string    `json:"owner_id"`
	Count      int64     `json:"count"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// RemoteSnapshot — авторитетное состояние записи на сервере.
type RemoteSnapshot struct {
	PhotoID      string              `json:"photo_id"`
	RemoteRef    string              `json:"remote_ref"`
	Compliance   ComplianceStatus    `json:"compliance_status"`
	ModifiedAt   time.Time           `json:"modified_at"`
	Associations []RemoteAssociation `json:"associations"`
	Tags         []RemoteTag         `json:"tags"`
	Usage        []RemoteUsage       `json:"usage"`
}

// ErrMalformedSnapshot — снимок нарушает структурные требования.
var ErrMalformedSnapshot = errors.New("некорректный снимок удалённого состояния")

// Validate проверяет структуру снимка для фотографии photoID.
// knownTag сообщает, известен ли тег локально; теги, которых нет
// ни локально, ни в Tags снимка, делают снимок некорректным.
func (s *RemoteSnapshot) Validate(photoID string, knownTag func(tagID string) bool) error {
	if s == nil {
		return fmt.Errorf("%w: снимок отсутствует", ErrMalformedSnapshot)
	}
	if s.PhotoID == "" {
		return fmt.Errorf("%w: пустой photo_id", ErrMalformedSnapshot)
	}
	if s.PhotoID != photoID {
		return fmt.Errorf("%w: photo_id %s не совпадает с %s", ErrMalformedSnapshot, s.PhotoID, photoID)
	}
	if s.ModifiedAt.IsZero() {
		return fmt.Errorf("%w: отсутствует modified_at", ErrMalformedSnapshot)
	}
	if _, err := ParseComplianceStatus(string(s.Compliance)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	snapshotTags := make(map[string]bool, len(s.Tags))
	for _, t := range s.Tags {
		if t.ID == "" {
			return fmt.Errorf("%w: тег без id", ErrMalformedSnapshot)
		}
		if err := ValidateTagName(t.Name); err != nil {
			return fmt.Errorf("%w: тег %s: %v", ErrMalformedSnapshot, t.ID, err)
		}
		if _, err := ParseTagCategory(string(t.Category)); err != nil {
			return fmt.Errorf("%w: тег %s: %v", ErrMalformedSnapshot, t.ID, err)
		}
		snapshotTags[t.ID] = true
	}
	resolvable := func(tagID string) bool {
		return snapshotTags[tagID] || (knownTag != nil && knownTag(tagID))
	}

	seen := make(map[string]bool, len(s.Associations))
	for _, a := range s.Associations {
		if a.TagID == "" {
			return fmt.Errorf("%w: ассоциация без tag_id", ErrMalformedSnapshot)
		}
		if seen[a.TagID] {
			return fmt.Errorf("%w: повторная ассоциация с тегом %s", ErrMalformedSnapshot, a.TagID)
		}
		seen[a.TagID] = true
		if !resolvable(a.TagID) {
			return fmt.Errorf("%w: неизвестный тег %s", ErrMalformedSnapshot, a.TagID)
		}
		if _, err := ParseAssociationSource(string(a.Source)); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		if err := ValidateConfidence(a.Source, a.Confidence); err != nil {
			return fmt.Errorf("%w: тег %s: %v", ErrMalformedSnapshot, a.TagID, err)
		}
		if a.ModifiedAt.IsZero() {
			return fmt.Errorf("%w: ассоциация %s без modified_at", ErrMalformedSnapshot, a.TagID)
		}
	}

	for _, u := range s.Usage {
		if !resolvable(u.TagID) {
			return fmt.Errorf("%w: счётчик для неизвестного тега %s", ErrMalformedSnapshot, u.TagID)
		}
		if _, err := ParseTagScope(string(u.Scope)); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		if u.Count < 0 {
			return fmt.Errorf("%w: отрицательный счётчик тега %s", ErrMalformedSnapshot, u.TagID)
		}
		if u.Scope == ScopeIndustry && u.OwnerID != "" {
			return fmt.Errorf("%w: у счётчика industry не может быть владельца", ErrMalformedSnapshot)
		}
		if u.Scope != ScopeIndustry && u.OwnerID == "" {
			return fmt.Errorf("%w: у счётчика %s не указан владелец", ErrMalformedSnapshot, u.Scope)
		}
	}
	return nil
}
