package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// AssociationRepository — интерфейс для таблицы photo_tags.
type AssociationRepository interface {
	// Upsert создаёт или полностью заменяет ассоциацию (photo_id, tag_id).
	Upsert(ctx context.Context, a *model.PhotoTagAssociation) error
	// ListByPhoto возвращает все ассоциации фотографии, включая tombstone.
	ListByPhoto(ctx context.Context, photoID string) ([]*model.PhotoTagAssociation, error)
}

// associationRepo — реализация AssociationRepository.
type associationRepo struct {
	db DBTX
}

// NewAssociationRepository создаёт репозиторий ассоциаций фото-тег.
func NewAssociationRepository(db DBTX) AssociationRepository {
	return &associationRepo{db: db}
}

func (r *associationRepo) Upsert(ctx context.Context, a *model.PhotoTagAssociation) error {
	query := `
		INSERT INTO photo_tags (photo_id, tag_id, applied_at, applied_by, source,
			confidence, updated_at, removed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (photo_id, tag_id) DO UPDATE SET
			applied_at = EXCLUDED.applied_at,
			applied_by = EXCLUDED.applied_by,
			source = EXCLUDED.source,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at,
			removed_at = EXCLUDED.removed_at`

	_, err := r.db.Exec(ctx, query,
		a.PhotoID, a.TagID, a.AppliedAt, a.AppliedBy, a.Source,
		a.Confidence, a.UpdatedAt, a.RemovedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: фотография %s или тег %s", ErrNotFound, a.PhotoID, a.TagID)
		}
		return fmt.Errorf("ошибка сохранения ассоциации: %w", err)
	}
	return nil
}

func (r *associationRepo) ListByPhoto(ctx context.Context, photoID string) ([]*model.PhotoTagAssociation, error) {
	if uuid.Validate(photoID) != nil {
		return nil, nil
	}
	query := `
		SELECT photo_id, tag_id, applied_at, applied_by, source, confidence, updated_at, removed_at
		FROM photo_tags
		WHERE photo_id = $1
		ORDER BY applied_at, tag_id`

	rows, err := r.db.Query(ctx, query, photoID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ассоциаций: %w", err)
	}
	defer rows.Close()

	var result []*model.PhotoTagAssociation
	for rows.Next() {
		a := &model.PhotoTagAssociation{}
		if err := rows.Scan(&a.PhotoID, &a.TagID, &a.AppliedAt, &a.AppliedBy, &a.Source,
			&a.Confidence, &a.UpdatedAt, &a.RemovedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ассоциации: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
