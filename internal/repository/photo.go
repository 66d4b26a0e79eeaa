package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// PhotoRepository — интерфейс CRUD для таблицы photos.
type PhotoRepository interface {
	// Create сохраняет новую запись фотографии.
	Create(ctx context.Context, p *model.Photo) error
	// GetByID возвращает фотографию по UUID.
	GetByID(ctx context.Context, id string) (*model.Photo, error)
	// Update сохраняет запись, если её ревизия в хранилище равна p.Revision.
	// При успехе p.Revision увеличивается на единицу. Иначе — ErrConflict.
	Update(ctx context.Context, p *model.Photo) error
	// ListByStatus возвращает фотографии в указанных статусах
	// в порядке постановки в очередь.
	ListByStatus(ctx context.Context, statuses ...model.SyncStatus) ([]*model.Photo, error)
	// ListSynced возвращает страницу синхронизированных фотографий.
	ListSynced(ctx context.Context, limit, offset int) ([]*model.Photo, error)
}

// photoRepo — реализация PhotoRepository.
type photoRepo struct {
	db DBTX
}

// NewPhotoRepository создаёт репозиторий фотографий.
func NewPhotoRepository(db DBTX) PhotoRepository {
	return &photoRepo{db: db}
}

const photoColumns = `id, user_id, project_id, storage_path, checksum, size_bytes,
	captured_at, latitude, longitude, compliance_status, sync_status, priority,
	attempts, next_retry_at, queued_at, remote_ref, revision, content_updated_at,
	last_error, dead_letter_reason, created_at, updated_at`

func (r *photoRepo) Create(ctx context.Context, p *model.Photo) error {
	lat, lon := splitLocation(p.Location)
	query := `
		INSERT INTO photos (` + photoColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22)`

	_, err := r.db.Exec(ctx, query,
		p.ID, p.UserID, p.ProjectID, p.StoragePath, p.Checksum, p.SizeBytes,
		p.CapturedAt, lat, lon, p.Compliance, p.SyncStatus, p.Priority,
		p.Attempts, p.NextRetryAt, p.QueuedAt, p.RemoteRef, p.Revision, p.ContentUpdatedAt,
		p.LastError, p.DeadLetterReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: фотография %s уже существует", ErrConflict, p.ID)
		}
		return fmt.Errorf("ошибка создания фотографии: %w", err)
	}
	return nil
}

func (r *photoRepo) GetByID(ctx context.Context, id string) (*model.Photo, error) {
	// Колонка id — UUID: строку другого вида PostgreSQL не приведёт
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + photoColumns + ` FROM photos WHERE id = $1`

	p, err := scanPhoto(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения фотографии: %w", err)
	}
	return p, nil
}

func (r *photoRepo) Update(ctx context.Context, p *model.Photo) error {
	lat, lon := splitLocation(p.Location)
	query := `
		UPDATE photos SET
			project_id = $3, compliance_status = $4, sync_status = $5, priority = $6,
			attempts = $7, next_retry_at = $8, queued_at = $9, remote_ref = $10,
			content_updated_at = $11, last_error = $12, dead_letter_reason = $13,
			latitude = $14, longitude = $15, updated_at = $16,
			revision = revision + 1
		WHERE id = $1 AND revision = $2
		RETURNING revision`

	var newRevision int64
	err := r.db.QueryRow(ctx, query,
		p.ID, p.Revision, p.ProjectID, p.Compliance, p.SyncStatus, p.Priority,
		p.Attempts, p.NextRetryAt, p.QueuedAt, p.RemoteRef,
		p.ContentUpdatedAt, p.LastError, p.DeadLetterReason,
		lat, lon, p.UpdatedAt,
	).Scan(&newRevision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, p.ID); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: ревизия %d фотографии %s устарела", ErrConflict, p.Revision, p.ID)
		}
		return fmt.Errorf("ошибка обновления фотографии: %w", err)
	}
	p.Revision = newRevision
	return nil
}

func (r *photoRepo) ListByStatus(ctx context.Context, statuses ...model.SyncStatus) ([]*model.Photo, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := `SELECT ` + photoColumns + ` FROM photos
		WHERE sync_status = ANY($1)
		ORDER BY COALESCE(queued_at, created_at), id`

	rows, err := r.db.Query(ctx, query, values)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения фотографий по статусу: %w", err)
	}
	defer rows.Close()
	return collectPhotos(rows)
}

func (r *photoRepo) ListSynced(ctx context.Context, limit, offset int) ([]*model.Photo, error) {
	query := `SELECT ` + photoColumns + ` FROM photos
		WHERE sync_status = 'synced'
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения синхронизированных фотографий: %w", err)
	}
	defer rows.Close()
	return collectPhotos(rows)
}

func collectPhotos(rows pgx.Rows) ([]*model.Photo, error) {
	var result []*model.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования фотографии: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPhoto(row pgx.Row) (*model.Photo, error) {
	p := &model.Photo{}
	var lat, lon *float64
	err := row.Scan(
		&p.ID, &p.UserID, &p.ProjectID, &p.StoragePath, &p.Checksum, &p.SizeBytes,
		&p.CapturedAt, &lat, &lon, &p.Compliance, &p.SyncStatus, &p.Priority,
		&p.Attempts, &p.NextRetryAt, &p.QueuedAt, &p.RemoteRef, &p.Revision, &p.ContentUpdatedAt,
		&p.LastError, &p.DeadLetterReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		p.Location = &model.GeoPoint{Lat: *lat, Lon: *lon}
	}
	return p, nil
}

func splitLocation(g *model.GeoPoint) (*float64, *float64) {
	if g == nil {
		return nil, nil
	}
	lat, lon := g.Lat, g.Lon
	return &lat, &lon
}
