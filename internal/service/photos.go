// photos.go — записи фотографий и ассоциации фото-тег.
//
// Содержательные изменения (теги, статус соответствия) запрещены, пока
// фотография в статусе syncing: в этот момент запись принадлежит воркеру.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/filestore"
	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

// CaptureParams — параметры захвата фотографии.
type CaptureParams struct {
	// FilePath — путь к файлу относительно CS_DATA_DIR
	FilePath   string
	CapturedAt time.Time
	Location   *model.GeoPoint
	// Compliance — пусто означает unknown
	Compliance model.ComplianceStatus
	UserID     string
	ProjectID  string
}

// Suggestion — тег, предложенный AI-анализом.
type Suggestion struct {
	TagID      string  `json:"tag_id"`
	Confidence float64 `json:"confidence"`
}

// PhotoDetails — фотография и её активные ассоциации.
type PhotoDetails struct {
	Photo        *model.Photo                 `json:"photo"`
	Associations []*model.PhotoTagAssociation `json:"associations"`
}

// PhotoService — сервис записей фотографий.
type PhotoService struct {
	store  repository.Store
	files  *filestore.FileStore
	tags   *TagStore
	now    func() time.Time
	logger *slog.Logger
}

// NewPhotoService создаёт сервис записей фотографий.
func NewPhotoService(store repository.Store, files *filestore.FileStore, tags *TagStore, logger *slog.Logger) *PhotoService {
	return &PhotoService{
		store:  store,
		files:  files,
		tags:   tags,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "photos")),
	}
}

// CreatePhoto проверяет файл, считает checksum и сохраняет запись в статусе pending.
func (s *PhotoService) CreatePhoto(ctx context.Context, params CaptureParams) (*model.Photo, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("%w: user_id обязателен", ErrValidation)
	}
	if params.Location != nil {
		if err := params.Location.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	compliance := params.Compliance
	if compliance == "" {
		compliance = model.ComplianceUnknown
	}
	if _, err := model.ParseComplianceStatus(string(compliance)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	info, err := s.files.Inspect(params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	capturedAt := params.CapturedAt.UTC()
	if params.CapturedAt.IsZero() {
		capturedAt = now
	}

	p := &model.Photo{
		ID:               uuid.New().String(),
		UserID:           params.UserID,
		StoragePath:      info.StoragePath,
		Checksum:         info.Checksum,
		SizeBytes:        info.Size,
		CapturedAt:       capturedAt,
		Location:         params.Location,
		Compliance:       compliance,
		SyncStatus:       model.SyncPending,
		Priority:         model.DefaultPriority(compliance),
		Revision:         1,
		ContentUpdatedAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if params.ProjectID != "" {
		project := params.ProjectID
		p.ProjectID = &project
	}

	if err := s.store.Photos().Create(ctx, p); err != nil {
		return nil, fmt.Errorf("сохранение фотографии: %w", err)
	}

	s.logger.Info("Фотография захвачена",
		slog.String("photo_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("compliance", string(p.Compliance)),
		slog.Int64("size", p.SizeBytes),
	)
	return p, nil
}

// Get возвращает фотографию.
func (s *PhotoService) Get(ctx context.Context, photoID string) (*model.Photo, error) {
	p, err := s.store.Photos().GetByID(ctx, photoID)
	if err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}
	return p, nil
}

// GetDetails возвращает фотографию с активными ассоциациями.
func (s *PhotoService) GetDetails(ctx context.Context, photoID string) (*PhotoDetails, error) {
	p, err := s.Get(ctx, photoID)
	if err != nil {
		return nil, err
	}
	assocs, err := s.ListAssociations(ctx, photoID)
	if err != nil {
		return nil, err
	}
	return &PhotoDetails{Photo: p, Associations: assocs}, nil
}

// ListAssociations возвращает активные ассоциации фотографии.
func (s *PhotoService) ListAssociations(ctx context.Context, photoID string) ([]*model.PhotoTagAssociation, error) {
	all, err := s.store.Associations().ListByPhoto(ctx, photoID)
	if err != nil {
		return nil, fmt.Errorf("ассоциации фотографии %s: %w", photoID, err)
	}
	active := make([]*model.PhotoTagAssociation, 0, len(all))
	for _, a := range all {
		if a.Active() {
			active = append(active, a)
		}
	}
	return active, nil
}

// mutate выполняет fn над фотографией в транзакции и сохраняет запись
// с новой ревизией. Фотография в syncing не изменяется.
func (s *PhotoService) mutate(ctx context.Context, photoID, op string,
	fn func(tx repository.Store, p *model.Photo, now time.Time) error,
) (*model.Photo, error) {
	var result *model.Photo
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		p, err := tx.Photos().GetByID(ctx, photoID)
		if err != nil {
			return mapRepoError(err, "фотография "+photoID)
		}
		if p.SyncStatus == model.SyncSyncing {
			return syncerr.Newf(syncerr.ConcurrencyViolation, photoID, op,
				"фотография загружается, изменение отклонено")
		}
		now := s.now()
		if err := fn(tx, p, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.Photos().Update(ctx, p); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return syncerr.New(syncerr.ConcurrencyViolation, photoID, op, err)
			}
			return fmt.Errorf("сохранение фотографии: %w", err)
		}
		result = p
		return nil
	})
	return result, err
}

// UpdateCompliance меняет оценку соответствия.
func (s *PhotoService) UpdateCompliance(ctx context.Context, photoID string, status model.ComplianceStatus) (*model.Photo, error) {
	if _, err := model.ParseComplianceStatus(string(status)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.mutate(ctx, photoID, "update_compliance", func(_ repository.Store, p *model.Photo, now time.Time) error {
		p.Compliance = status
		p.ContentUpdatedAt = now
		return nil
	})
}

// ApplyTag применяет тег вручную. Повторное применение обновляет
// существующую ассоциацию. Счётчики personal и project увеличиваются.
func (s *PhotoService) ApplyTag(ctx context.Context, photoID, tagID string, actor model.ActorContext) (*model.PhotoTagAssociation, error) {
	if actor.UserID == "" {
		return nil, fmt.Errorf("%w: user_id обязателен", ErrValidation)
	}
	if !s.tags.Known(tagID) {
		return nil, fmt.Errorf("%w: тег %s", ErrNotFound, tagID)
	}

	var assoc *model.PhotoTagAssociation
	photo, err := s.mutate(ctx, photoID, "apply_tag", func(tx repository.Store, p *model.Photo, now time.Time) error {
		assoc = &model.PhotoTagAssociation{
			PhotoID:   photoID,
			TagID:     tagID,
			AppliedAt: now,
			AppliedBy: actor.UserID,
			Source:    model.SourceManual,
			UpdatedAt: now,
		}
		return upsertAssociation(ctx, tx, assoc)
	})
	if err != nil {
		return nil, err
	}

	if actor.ProjectID == "" {
		actor.ProjectID = photo.Project()
	}
	scopes := []model.TagScope{model.ScopePersonal}
	if actor.ProjectID != "" {
		scopes = append(scopes, model.ScopeProject)
	}
	for _, scope := range scopes {
		if _, err := s.tags.RecordUsage(ctx, tagID, scope, actor); err != nil {
			// Ассоциация уже сохранена; потеря приращения не ломает запись
			s.logger.Warn("Не удалось учесть использование тега",
				slog.String("photo_id", photoID),
				slog.String("tag_id", tagID),
				slog.String("scope", string(scope)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Тег применён",
		slog.String("photo_id", photoID),
		slog.String("tag_id", tagID),
		slog.String("user_id", actor.UserID),
	)
	return assoc, nil
}

// ApplySuggestedTags сохраняет теги AI-анализа с уверенностью.
// Статус синхронизации не меняется. Активная ручная ассоциация
// не заменяется предложением.
func (s *PhotoService) ApplySuggestedTags(ctx context.Context, photoID string, suggestions []Suggestion, source model.AssociationSource) ([]*model.PhotoTagAssociation, error) {
	if source == "" {
		source = model.SourceAISuggested
	}
	if source == model.SourceManual {
		return nil, fmt.Errorf("%w: источник manual недопустим для предложений", ErrValidation)
	}
	if _, err := model.ParseAssociationSource(string(source)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, sg := range suggestions {
		conf := sg.Confidence
		if err := model.ValidateConfidence(source, &conf); err != nil {
			return nil, fmt.Errorf("%w: тег %s: %v", ErrValidation, sg.TagID, err)
		}
		if !s.tags.Known(sg.TagID) {
			return nil, fmt.Errorf("%w: тег %s", ErrNotFound, sg.TagID)
		}
	}

	var applied []*model.PhotoTagAssociation
	_, err := s.mutate(ctx, photoID, "apply_suggested_tags", func(tx repository.Store, _ *model.Photo, now time.Time) error {
		existing, err := tx.Associations().ListByPhoto(ctx, photoID)
		if err != nil {
			return fmt.Errorf("ассоциации фотографии: %w", err)
		}
		byTag := make(map[string]*model.PhotoTagAssociation, len(existing))
		for _, a := range existing {
			byTag[a.TagID] = a
		}

		for _, sg := range suggestions {
			if cur, ok := byTag[sg.TagID]; ok && cur.Active() && cur.Source == model.SourceManual {
				continue
			}
			conf := sg.Confidence
			a := &model.PhotoTagAssociation{
				PhotoID:    photoID,
				TagID:      sg.TagID,
				AppliedAt:  now,
				AppliedBy:  string(source),
				Source:     source,
				Confidence: &conf,
				UpdatedAt:  now,
			}
			if cur, ok := byTag[sg.TagID]; ok && cur.Active() {
				a.AppliedAt = cur.AppliedAt
			}
			if err := upsertAssociation(ctx, tx, a); err != nil {
				return err
			}
			applied = append(applied, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Теги AI-анализа применены",
		slog.String("photo_id", photoID),
		slog.String("source", string(source)),
		slog.Int("count", len(applied)),
	)
	return applied, nil
}

// RemoveTag удаляет тег с фотографии (tombstone).
func (s *PhotoService) RemoveTag(ctx context.Context, photoID, tagID string) error {
	_, err := s.mutate(ctx, photoID, "remove_tag", func(tx repository.Store, _ *model.Photo, now time.Time) error {
		existing, err := tx.Associations().ListByPhoto(ctx, photoID)
		if err != nil {
			return fmt.Errorf("ассоциации фотографии: %w", err)
		}
		for _, a := range existing {
			if a.TagID != tagID {
				continue
			}
			if !a.Active() {
				return fmt.Errorf("%w: тег %s уже удалён с фотографии", ErrNotFound, tagID)
			}
			a.RemovedAt = &now
			a.UpdatedAt = now
			return upsertAssociation(ctx, tx, a)
		}
		return fmt.Errorf("%w: тег %s не применён к фотографии", ErrNotFound, tagID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Тег удалён с фотографии",
		slog.String("photo_id", photoID),
		slog.String("tag_id", tagID),
	)
	return nil
}

func upsertAssociation(ctx context.Context, tx repository.Store, a *model.PhotoTagAssociation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := tx.Associations().Upsert(ctx, a); err != nil {
		return mapRepoError(err, "ассоциация "+a.TagID)
	}
	return nil
}

// mapRepoError переводит ошибки репозитория в ошибки сервиса.
func mapRepoError(err error, what string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s: %v", ErrConflict, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
