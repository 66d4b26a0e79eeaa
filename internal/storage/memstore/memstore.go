// Пакет memstore — потокобезопасное хранилище записей в памяти.
//
// Реализует repository.Store с той же семантикой, что и PostgreSQL:
// CAS по ревизии, монотонные счётчики, tombstone ассоциаций.
// Используется при CS_STORAGE_BACKEND=memory и в тестах сервисов.
//
// Не персистентный: при рестарте содержимое теряется.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
)

// data — содержимое хранилища. Все значения хранятся копиями.
type data struct {
	photos map[string]*model.Photo
	tags   map[string]*model.Tag
	usage  map[usageID]*model.TagUsage
	assocs map[string]map[string]*model.PhotoTagAssociation // photo_id → tag_id → ассоциация
}

type usageID struct {
	tagID   string
	scope   model.TagScope
	ownerID string
}

func newData() *data {
	return &data{
		photos: make(map[string]*model.Photo),
		tags:   make(map[string]*model.Tag),
		usage:  make(map[usageID]*model.TagUsage),
		assocs: make(map[string]map[string]*model.PhotoTagAssociation),
	}
}

// clone создаёт глубокую копию для отката транзакции.
func (d *data) clone() *data {
	c := newData()
	for id, p := range d.photos {
		c.photos[id] = p.Clone()
	}
	for id, t := range d.tags {
		copied := *t
		c.tags[id] = &copied
	}
	for id, u := range d.usage {
		copied := *u
		c.usage[id] = &copied
	}
	for photoID, byTag := range d.assocs {
		m := make(map[string]*model.PhotoTagAssociation, len(byTag))
		for tagID, a := range byTag {
			m[tagID] = a.Clone()
		}
		c.assocs[photoID] = m
	}
	return c
}

// Store — хранилище в памяти.
// txMu сериализует пишущие операции и транзакции, mu защищает данные.
type Store struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	d      *data
	logger *slog.Logger
}

// New создаёт пустое хранилище. Для отраслевого каталога вызовите SeedCatalog.
func New(logger *slog.Logger) *Store {
	return &Store{
		d:      newData(),
		logger: logger.With(slog.String("component", "memstore")),
	}
}

// SeedCatalog добавляет отраслевой каталог тегов и industry-счётчики.
// Существующие теги не перезаписываются.
func (s *Store) SeedCatalog(now time.Time) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, e := range model.IndustryCatalog {
		if _, ok := s.d.tags[e.ID]; ok {
			continue
		}
		s.d.tags[e.ID] = &model.Tag{ID: e.ID, Name: e.Name, Category: e.Category, CreatedAt: now}
		id := usageID{tagID: e.ID, scope: model.ScopeIndustry}
		s.d.usage[id] = &model.TagUsage{
			TagID:        e.ID,
			UsageKey:     model.UsageKey{Scope: model.ScopeIndustry},
			UsageCounter: model.UsageCounter{Count: e.Count, SyncedCount: e.Count, LastUsedAt: now},
		}
		added++
	}

	s.logger.Info("Отраслевой каталог тегов загружен", slog.Int("tags", added))
}

// view — доступ к данным вне или внутри транзакции.
type view struct {
	s    *Store
	inTx bool
}

func (v view) write(fn func(d *data) error) error {
	if !v.inTx {
		v.s.txMu.Lock()
		defer v.s.txMu.Unlock()
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.d)
}

func (v view) read(fn func(d *data)) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	fn(v.s.d)
}

func (s *Store) Photos() repository.PhotoRepository { return photoRepo{view{s: s}} }
func (s *Store) Tags() repository.TagRepository     { return tagRepo{view{s: s}} }
func (s *Store) Associations() repository.AssociationRepository {
	return assocRepo{view{s: s}}
}

// RunInTx выполняет fn под эксклюзивной блокировкой записи.
// При ошибке fn содержимое хранилища восстанавливается из снимка.
func (s *Store) RunInTx(ctx context.Context, fn func(tx repository.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.d.clone()
	s.mu.RUnlock()

	if err := fn(txStore{view{s: s, inTx: true}}); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Count возвращает количество фотографий в хранилище.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.d.photos)
}

// txStore — Store внутри транзакции; вложенные транзакции выполняются в ней же.
type txStore struct {
	v view
}

func (t txStore) Photos() repository.PhotoRepository             { return photoRepo{t.v} }
func (t txStore) Tags() repository.TagRepository                 { return tagRepo{t.v} }
func (t txStore) Associations() repository.AssociationRepository { return assocRepo{t.v} }
func (t txStore) RunInTx(_ context.Context, fn func(tx repository.Store) error) error {
	return fn(t)
}

// --- Фотографии ---

type photoRepo struct{ v view }

func (r photoRepo) Create(_ context.Context, p *model.Photo) error {
	return r.v.write(func(d *data) error {
		if _, ok := d.photos[p.ID]; ok {
			return fmt.Errorf("%w: фотография %s уже существует", repository.ErrConflict, p.ID)
		}
		d.photos[p.ID] = p.Clone()
		return nil
	})
}

func (r photoRepo) GetByID(_ context.Context, id string) (*model.Photo, error) {
	var result *model.Photo
	r.v.read(func(d *data) {
		if p, ok := d.photos[id]; ok {
			result = p.Clone()
		}
	})
	if result == nil {
		return nil, repository.ErrNotFound
	}
	return result, nil
}

func (r photoRepo) Update(_ context.Context, p *model.Photo) error {
	return r.v.write(func(d *data) error {
		current, ok := d.photos[p.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if current.Revision != p.Revision {
			return fmt.Errorf("%w: ревизия %d фотографии %s устарела", repository.ErrConflict, p.Revision, p.ID)
		}
		stored := p.Clone()
		stored.Revision = p.Revision + 1
		// Неизменяемые поля сохраняются из текущей записи
		stored.UserID = current.UserID
		stored.StoragePath = current.StoragePath
		stored.Checksum = current.Checksum
		stored.SizeBytes = current.SizeBytes
		stored.CapturedAt = current.CapturedAt
		stored.CreatedAt = current.CreatedAt
		d.photos[p.ID] = stored
		p.Revision = stored.Revision
		return nil
	})
}

func (r photoRepo) ListByStatus(_ context.Context, statuses ...model.SyncStatus) ([]*model.Photo, error) {
	want := make(map[model.SyncStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var result []*model.Photo
	r.v.read(func(d *data) {
		for _, p := range d.photos {
			if want[p.SyncStatus] {
				result = append(result, p.Clone())
			}
		}
	})

	sort.Slice(result, func(i, j int) bool {
		qi, qj := queuedAt(result[i]), queuedAt(result[j])
		if !qi.Equal(qj) {
			return qi.Before(qj)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r photoRepo) ListSynced(_ context.Context, limit, offset int) ([]*model.Photo, error) {
	var synced []*model.Photo
	r.v.read(func(d *data) {
		for _, p := range d.photos {
			if p.SyncStatus == model.SyncSynced {
				synced = append(synced, p.Clone())
			}
		}
	})

	sort.Slice(synced, func(i, j int) bool {
		if !synced[i].CreatedAt.Equal(synced[j].CreatedAt) {
			return synced[i].CreatedAt.Before(synced[j].CreatedAt)
		}
		return synced[i].ID < synced[j].ID
	})

	total := len(synced)
	if offset >= total {
		return nil, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return synced[offset:end], nil
}

func queuedAt(p *model.Photo) time.Time {
	if p.QueuedAt != nil {
		return *p.QueuedAt
	}
	return p.CreatedAt
}

// --- Теги ---

type tagRepo struct{ v view }

func (r tagRepo) Create(_ context.Context, t *model.Tag) error {
	return r.v.write(func(d *data) error {
		if _, ok := d.tags[t.ID]; ok {
			return fmt.Errorf("%w: тег %s уже существует", repository.ErrConflict, t.ID)
		}
		key := t.NameKey()
		for _, existing := range d.tags {
			if existing.CreatedBy == t.CreatedBy && existing.NameKey() == key {
				return fmt.Errorf("%w: тег %q уже существует", repository.ErrConflict, t.Name)
			}
		}
		copied := *t
		d.tags[t.ID] = &copied
		return nil
	})
}

func (r tagRepo) List(_ context.Context) ([]*model.Tag, error) {
	var result []*model.Tag
	r.v.read(func(d *data) {
		for _, t := range d.tags {
			copied := *t
			result = append(result, &copied)
		}
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r tagRepo) UpsertUsage(_ context.Context, u *model.TagUsage) error {
	return r.v.write(func(d *data) error {
		if _, ok := d.tags[u.TagID]; !ok {
			return fmt.Errorf("%w: тег %s", repository.ErrNotFound, u.TagID)
		}
		id := usageID{tagID: u.TagID, scope: u.Scope, ownerID: u.OwnerID}
		current, ok := d.usage[id]
		if !ok {
			copied := *u
			d.usage[id] = &copied
			return nil
		}
		// Счётчики растут монотонно, как GREATEST в PostgreSQL
		current.Count = max(current.Count, u.Count)
		current.SyncedCount = max(current.SyncedCount, u.SyncedCount)
		if u.LastUsedAt.After(current.LastUsedAt) {
			current.LastUsedAt = u.LastUsedAt
		}
		return nil
	})
}

func (r tagRepo) ListUsage(_ context.Context) ([]*model.TagUsage, error) {
	var result []*model.TagUsage
	r.v.read(func(d *data) {
		for _, u := range d.usage {
			copied := *u
			result = append(result, &copied)
		}
	})
	return result, nil
}

// --- Ассоциации ---

type assocRepo struct{ v view }

func (r assocRepo) Upsert(_ context.Context, a *model.PhotoTagAssociation) error {
	return r.v.write(func(d *data) error {
		if _, ok := d.photos[a.PhotoID]; !ok {
			return fmt.Errorf("%w: фотография %s", repository.ErrNotFound, a.PhotoID)
		}
		if _, ok := d.tags[a.TagID]; !ok {
			return fmt.Errorf("%w: тег %s", repository.ErrNotFound, a.TagID)
		}
		byTag, ok := d.assocs[a.PhotoID]
		if !ok {
			byTag = make(map[string]*model.PhotoTagAssociation)
			d.assocs[a.PhotoID] = byTag
		}
		byTag[a.TagID] = a.Clone()
		return nil
	})
}

func (r assocRepo) ListByPhoto(_ context.Context, photoID string) ([]*model.PhotoTagAssociation, error) {
	var result []*model.PhotoTagAssociation
	r.v.read(func(d *data) {
		for _, a := range d.assocs[photoID] {
			result = append(result, a.Clone())
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AppliedAt.Equal(result[j].AppliedAt) {
			return result[i].AppliedAt.Before(result[j].AppliedAt)
		}
		return result[i].TagID < result[j].TagID
	})
	return result, nil
}
