package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// TagRepository — интерфейс для таблиц tags и tag_usage.
type TagRepository interface {
	// Create создаёт тег. ErrConflict, если у автора уже есть тег с тем же ключом имени.
	Create(ctx context.Context, t *model.Tag) error
	// List возвращает все теги.
	List(ctx context.Context) ([]*model.Tag, error)
	// UpsertUsage сохраняет счётчик использования.
	UpsertUsage(ctx context.Context, u *model.TagUsage) error
	// ListUsage возвращает все счётчики.
	ListUsage(ctx context.Context) ([]*model.TagUsage, error)
}

// tagRepo — реализация TagRepository.
type tagRepo struct {
	db DBTX
}

// NewTagRepository создаёт репозиторий тегов.
func NewTagRepository(db DBTX) TagRepository {
	return &tagRepo{db: db}
}

func (r *tagRepo) Create(ctx context.Context, t *model.Tag) error {
	query := `
		INSERT INTO tags (id, name, name_key, category, custom, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		t.ID, t.Name, t.NameKey(), t.Category, t.Custom, t.CreatedBy, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: тег %q уже существует", ErrConflict, t.Name)
		}
		return fmt.Errorf("ошибка создания тега: %w", err)
	}
	return nil
}

func (r *tagRepo) List(ctx context.Context) ([]*model.Tag, error) {
	query := `
		SELECT id, name, category, custom, created_by, created_at
		FROM tags
		ORDER BY name_key, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тегов: %w", err)
	}
	defer rows.Close()

	var result []*model.Tag
	for rows.Next() {
		t := &model.Tag{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.Custom, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования тега: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// UpsertUsage не уменьшает значения: счётчики в БД растут монотонно
// даже при гонке двух процессов.
func (r *tagRepo) UpsertUsage(ctx context.Context, u *model.TagUsage) error {
	query := `
		INSERT INTO tag_usage (tag_id, scope, owner_id, count, synced_count, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tag_id, scope, owner_id) DO UPDATE SET
			count = GREATEST(tag_usage.count, EXCLUDED.count),
			synced_count = GREATEST(tag_usage.synced_count, EXCLUDED.synced_count),
			last_used_at = GREATEST(tag_usage.last_used_at, EXCLUDED.last_used_at)`

	_, err := r.db.Exec(ctx, query,
		u.TagID, u.Scope, u.OwnerID, u.Count, u.SyncedCount, u.LastUsedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: тег %s", ErrNotFound, u.TagID)
		}
		return fmt.Errorf("ошибка сохранения счётчика: %w", err)
	}
	return nil
}

func (r *tagRepo) ListUsage(ctx context.Context) ([]*model.TagUsage, error) {
	query := `
		SELECT tag_id, scope, owner_id, count, synced_count, last_used_at
		FROM tag_usage`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения счётчиков: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.TagUsage, error) {
		u := &model.TagUsage{}
		err := row.Scan(&u.TagID, &u.Scope, &u.OwnerID, &u.Count, &u.SyncedCount, &u.LastUsedAt)
		return u, err
	})
}
