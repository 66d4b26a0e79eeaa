package model

import (
	"fmt"
	"time"
)

// AssociationSource — источник ассоциации фото-тег.
type AssociationSource string

const (
	SourceManual      AssociationSource = "manual"
	SourceAIDetected  AssociationSource = "ai_detected"
	SourceAISuggested AssociationSource = "ai_suggested"
)

// ParseAssociationSource преобразует строку в AssociationSource.
func ParseAssociationSource(s string) (AssociationSource, error) {
	switch src := AssociationSource(s); src {
	case SourceManual, SourceAIDetected, SourceAISuggested:
		return src, nil
	default:
		return "", fmt.Errorf("недопустимый источник: %q, допустимые: manual, ai_detected, ai_suggested", s)
	}
}

// PhotoTagAssociation — тег, применённый к фотографии.
// Удаление хранится как tombstone (RemovedAt), строка не удаляется.
type PhotoTagAssociation struct {
	PhotoID   string            `json:"photo_id"`
	TagID     string            `json:"tag_id"`
	AppliedAt time.Time         `json:"applied_at"`
	AppliedBy string            `json:"applied_by"`
	Source    AssociationSource `json:"source"`
	// Confidence — уверенность модели [0, 1]; nil для manual
	Confidence *float64   `json:"confidence,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

// Active сообщает, что ассоциация не удалена.
func (a *PhotoTagAssociation) Active() bool {
	return a.RemovedAt == nil
}

// Clone возвращает глубокую копию.
func (a *PhotoTagAssociation) Clone() *PhotoTagAssociation {
	c := *a
	if a.Confidence != nil {
		v := *a.Confidence
		c.Confidence = &v
	}
	if a.RemovedAt != nil {
		v := *a.RemovedAt
		c.RemovedAt = &v
	}
	return &c
}

// Validate проверяет инварианты ассоциации.
func (a *PhotoTagAssociation) Validate() error {
	if a.PhotoID == "" || a.TagID == "" {
		return fmt.Errorf("ассоциация: photo_id и tag_id обязательны")
	}
	if _, err := ParseAssociationSource(string(a.Source)); err != nil {
		return err
	}
	return ValidateConfidence(a.Source, a.Confidence)
}

// ValidateConfidence проверяет уверенность для источника:
// для AI-источников обязательна и лежит в [0, 1].
func ValidateConfidence(source AssociationSource, confidence *float64) error {
	if source == SourceManual {
		if confidence != nil && (*confidence < 0 || *confidence > 1) {
			return fmt.Errorf("уверенность %v вне диапазона [0, 1]", *confidence)
		}
		return nil
	}
	if confidence == nil {
		return fmt.Errorf("для источника %s требуется уверенность", source)
	}
	if *confidence < 0 || *confidence > 1 {
		return fmt.Errorf("уверенность %v вне диапазона [0, 1]", *confidence)
	}
	return nil
}
