// tagstore.go — хранилище тегов и счётчиков использования.
//
// Единственный владелец изменений счётчиков: запись выполняется только
// через RecordUsage, MergeRemoteUsage и MarkSynced. Каждый тег имеет
// собственную блокировку, поэтому чтение одного тега не ждёт запись другого.
// Изменения сначала сохраняются в репозиторий, затем в память (write-through).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
)

// tagEntry — тег и его счётчики под собственной блокировкой.
type tagEntry struct {
	mu    sync.RWMutex
	tag   model.Tag
	usage map[model.UsageKey]model.UsageCounter
}

// TagView — согласованный снимок тега для одного пользователя и проекта.
type TagView struct {
	Tag      model.Tag
	Personal model.UsageCounter
	Project  model.UsageCounter
	Industry model.UsageCounter
}

// LastUsedAt возвращает самое позднее использование по всем областям.
func (v TagView) LastUsedAt() time.Time {
	latest := v.Personal.LastUsedAt
	if v.Project.LastUsedAt.After(latest) {
		latest = v.Project.LastUsedAt
	}
	if v.Industry.LastUsedAt.After(latest) {
		latest = v.Industry.LastUsedAt
	}
	return latest
}

// TagStore — кэш тегов в памяти поверх репозитория.
type TagStore struct {
	repo   repository.TagRepository
	logger *slog.Logger
	now    func() time.Time

	// mu защищает только состав карт; данные тега — под tagEntry.mu
	mu      sync.RWMutex
	entries map[string]*tagEntry
	// names — ключ имени (автор + нормализованное имя) → ID тега
	names map[string]string

	version atomic.Uint64
}

// NewTagStore создаёт пустое хранилище. Данные загружаются через Load.
func NewTagStore(repo repository.TagRepository, logger *slog.Logger) *TagStore {
	return &TagStore{
		repo:    repo,
		logger:  logger.With(slog.String("component", "tag_store")),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*tagEntry),
		names:   make(map[string]string),
	}
}

// Load загружает теги и счётчики из репозитория.
func (s *TagStore) Load(ctx context.Context) error {
	tags, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("загрузка тегов: %w", err)
	}
	usage, err := s.repo.ListUsage(ctx)
	if err != nil {
		return fmt.Errorf("загрузка счётчиков: %w", err)
	}

	entries := make(map[string]*tagEntry, len(tags))
	names := make(map[string]string, len(tags))
	for _, t := range tags {
		entries[t.ID] = &tagEntry{tag: *t, usage: make(map[model.UsageKey]model.UsageCounter)}
		names[nameIndexKey(t.CreatedBy, t.Name)] = t.ID
	}
	skipped := 0
	for _, u := range usage {
		e, ok := entries[u.TagID]
		if !ok {
			skipped++
			continue
		}
		e.usage[u.UsageKey] = u.UsageCounter
	}

	s.mu.Lock()
	s.entries = entries
	s.names = names
	s.mu.Unlock()
	s.version.Add(1)

	s.logger.Info("Теги загружены",
		slog.Int("tags", len(entries)),
		slog.Int("counters", len(usage)-skipped),
	)
	return nil
}

// Version возвращает номер версии, который меняется при каждом изменении.
func (s *TagStore) Version() uint64 {
	return s.version.Load()
}

func nameIndexKey(createdBy, name string) string {
	return createdBy + "\x00" + model.NormalizeTagName(name)
}

func (s *TagStore) entry(tagID string) (*tagEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[tagID]
	return e, ok
}

// Known сообщает, известен ли тег.
func (s *TagStore) Known(tagID string) bool {
	_, ok := s.entry(tagID)
	return ok
}

// GetTag возвращает копию определения тега.
func (s *TagStore) GetTag(tagID string) (*model.Tag, error) {
	e, ok := s.entry(tagID)
	if !ok {
		return nil, fmt.Errorf("%w: тег %s", ErrNotFound, tagID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.tag
	return &t, nil
}

// Tags возвращает все теги, отсортированные по имени.
func (s *TagStore) Tags() []model.Tag {
	s.mu.RLock()
	list := make([]*tagEntry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.RUnlock()

	result := make([]model.Tag, 0, len(list))
	for _, e := range list {
		e.mu.RLock()
		result = append(result, e.tag)
		e.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// CreateTag создаёт пользовательский тег. Имя должно быть уникальным
// среди тегов автора и отраслевого каталога.
func (s *TagStore) CreateTag(ctx context.Context, name string, category model.TagCategory, createdBy string) (*model.Tag, error) {
	if createdBy == "" {
		return nil, fmt.Errorf("%w: не указан автор тега", ErrValidation)
	}
	if err := model.ValidateTagName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if category == "" {
		category = model.CategoryCustom
	}
	if _, err := model.ParseTagCategory(string(category)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tag := model.Tag{
		ID:        uuid.New().String(),
		Name:      name,
		Category:  category,
		Custom:    true,
		CreatedBy: createdBy,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{nameIndexKey(createdBy, name), nameIndexKey("", name)} {
		if existing, ok := s.names[key]; ok {
			return nil, fmt.Errorf("%w: тег %q уже существует (%s)", ErrConflict, name, existing)
		}
	}
	if err := s.repo.Create(ctx, &tag); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: тег %q уже существует", ErrConflict, name)
		}
		return nil, fmt.Errorf("создание тега: %w", err)
	}
	s.entries[tag.ID] = &tagEntry{tag: tag, usage: make(map[model.UsageKey]model.UsageCounter)}
	s.names[nameIndexKey(createdBy, name)] = tag.ID
	s.version.Add(1)

	s.logger.Info("Пользовательский тег создан",
		slog.String("tag_id", tag.ID),
		slog.String("name", tag.Name),
		slog.String("created_by", createdBy),
	)
	return &tag, nil
}

// EnsureTag добавляет тег, созданный на другом устройстве.
// Возвращает true, если тег был добавлен.
func (s *TagStore) EnsureTag(ctx context.Context, rt model.RemoteTag) (bool, error) {
	if s.Known(rt.ID) {
		return false, nil
	}

	// Автор тега с сервера неизвестен: ключ "remote:<id>" не пересекается
	// с именами локальных авторов.
	tag := model.Tag{
		ID:        rt.ID,
		Name:      rt.Name,
		Category:  rt.Category,
		Custom:    rt.Custom,
		CreatedBy: "remote:" + rt.ID,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[rt.ID]; ok {
		return false, nil
	}
	if err := s.repo.Create(ctx, &tag); err != nil && !errors.Is(err, repository.ErrConflict) {
		return false, fmt.Errorf("добавление тега %s с сервера: %w", rt.ID, err)
	}
	s.entries[tag.ID] = &tagEntry{tag: tag, usage: make(map[model.UsageKey]model.UsageCounter)}
	s.names[nameIndexKey(tag.CreatedBy, tag.Name)] = tag.ID
	s.version.Add(1)

	s.logger.Info("Тег с сервера добавлен",
		slog.String("tag_id", tag.ID),
		slog.String("name", tag.Name),
	)
	return true, nil
}

// persist сохраняет счётчик. Вызывается под e.mu.Lock.
func (s *TagStore) persist(ctx context.Context, tagID string, key model.UsageKey, c model.UsageCounter) error {
	return s.repo.UpsertUsage(ctx, &model.TagUsage{TagID: tagID, UsageKey: key, UsageCounter: c})
}

// RecordUsage увеличивает счётчик тега в области scope на единицу
// и обновляет время последнего использования.
func (s *TagStore) RecordUsage(ctx context.Context, tagID string, scope model.TagScope, actor model.ActorContext) (model.UsageCounter, error) {
	if _, err := model.ParseTagScope(string(scope)); err != nil {
		return model.UsageCounter{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	owner, err := actor.OwnerFor(scope)
	if err != nil {
		return model.UsageCounter{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e, ok := s.entry(tagID)
	if !ok {
		return model.UsageCounter{}, fmt.Errorf("%w: тег %s", ErrNotFound, tagID)
	}

	key := model.UsageKey{Scope: scope, OwnerID: owner}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.usage[key]
	next.Count++
	if now := s.now(); now.After(next.LastUsedAt) {
		next.LastUsedAt = now
	}
	if err := s.persist(ctx, tagID, key, next); err != nil {
		return model.UsageCounter{}, fmt.Errorf("сохранение счётчика тега %s: %w", tagID, err)
	}
	e.usage[key] = next
	s.version.Add(1)
	return next, nil
}

// MergeRemoteUsage сливает серверные значения счётчиков с локальными:
//
//	merged = max(SyncedCount, server) + PendingDelta
//	SyncedCount = max(SyncedCount, server)
//
// Повторное применение того же снимка ничего не меняет.
// Возвращает количество изменённых счётчиков.
func (s *TagStore) MergeRemoteUsage(ctx context.Context, remote []model.RemoteUsage) (int, error) {
	changed := 0
	var errs []error

	for _, ru := range remote {
		e, ok := s.entry(ru.TagID)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: тег %s", ErrNotFound, ru.TagID))
			continue
		}
		key := model.UsageKey{Scope: ru.Scope, OwnerID: ru.OwnerID}

		e.mu.Lock()
		cur := e.usage[key]
		next := mergeCounter(cur, ru)
		if next != cur {
			if err := s.persist(ctx, ru.TagID, key, next); err != nil {
				errs = append(errs, fmt.Errorf("счётчик тега %s: %w", ru.TagID, err))
			} else {
				e.usage[key] = next
				changed++
			}
		}
		e.mu.Unlock()
	}

	if changed > 0 {
		s.version.Add(1)
	}
	return changed, errors.Join(errs...)
}

// mergeCounter применяет правило слияния к одному счётчику.
func mergeCounter(cur model.UsageCounter, ru model.RemoteUsage) model.UsageCounter {
	base := max(cur.SyncedCount, ru.Count)
	next := model.UsageCounter{
		Count:       base + cur.PendingDelta(),
		SyncedCount: base,
		LastUsedAt:  cur.LastUsedAt,
	}
	if ru.LastUsedAt.After(next.LastUsedAt) {
		next.LastUsedAt = ru.LastUsedAt
	}
	return next
}

// MarkSynced переносит базовую линию после того, как сервер принял приращения.
// Delta.Count — значение счётчика на момент отправки; Count не меняется.
func (s *TagStore) MarkSynced(ctx context.Context, deltas []model.UsageDelta) error {
	var errs []error
	changed := false
	for _, d := range deltas {
		e, ok := s.entry(d.TagID)
		if !ok {
			continue
		}
		key := model.UsageKey{Scope: d.Scope, OwnerID: d.OwnerID}

		e.mu.Lock()
		cur := e.usage[key]
		if d.Count > cur.SyncedCount {
			next := cur
			next.SyncedCount = min(d.Count, cur.Count)
			if err := s.persist(ctx, d.TagID, key, next); err != nil {
				errs = append(errs, fmt.Errorf("базовая линия тега %s: %w", d.TagID, err))
			} else {
				e.usage[key] = next
				changed = true
			}
		}
		e.mu.Unlock()
	}
	if changed {
		s.version.Add(1)
	}
	return errors.Join(errs...)
}

// PendingDeltas возвращает неотправленные приращения счётчиков тегов tagIDs
// в областях actor: личной, проектной и отраслевой.
func (s *TagStore) PendingDeltas(actor model.ActorContext, tagIDs []string) []model.UsageDelta {
	keys := []model.UsageKey{{Scope: model.ScopeIndustry}}
	if actor.UserID != "" {
		keys = append(keys, model.UsageKey{Scope: model.ScopePersonal, OwnerID: actor.UserID})
	}
	if actor.ProjectID != "" {
		keys = append(keys, model.UsageKey{Scope: model.ScopeProject, OwnerID: actor.ProjectID})
	}

	var result []model.UsageDelta
	seen := make(map[string]bool, len(tagIDs))
	for _, id := range tagIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, ok := s.entry(id)
		if !ok {
			continue
		}
		e.mu.RLock()
		for _, k := range keys {
			c := e.usage[k]
			if d := c.PendingDelta(); d > 0 {
				result = append(result, model.UsageDelta{
					TagID: id, Scope: k.Scope, OwnerID: k.OwnerID, Delta: d, Count: c.Count,
				})
			}
		}
		e.mu.RUnlock()
	}
	return result
}

// Usage возвращает счётчик тега в области key.
func (s *TagStore) Usage(tagID string, key model.UsageKey) (model.UsageCounter, bool) {
	e, ok := s.entry(tagID)
	if !ok {
		return model.UsageCounter{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.usage[key]
	return c, ok
}

// Snapshot возвращает представления всех тегов для пользователя и проекта.
// Каждый тег читается под своей блокировкой.
func (s *TagStore) Snapshot(userID, projectID string) []TagView {
	s.mu.RLock()
	list := make([]*tagEntry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.RUnlock()

	personal := model.UsageKey{Scope: model.ScopePersonal, OwnerID: userID}
	project := model.UsageKey{Scope: model.ScopeProject, OwnerID: projectID}
	industry := model.UsageKey{Scope: model.ScopeIndustry}

	views := make([]TagView, 0, len(list))
	for _, e := range list {
		e.mu.RLock()
		v := TagView{
			Tag:      e.tag,
			Personal: e.usage[personal],
			Industry: e.usage[industry],
		}
		if projectID != "" {
			v.Project = e.usage[project]
		}
		e.mu.RUnlock()
		views = append(views, v)
	}
	return views
}
