// resolver.go — слияние локального состояния фотографии со снимком сервера.
//
// Скалярные поля: last-writer-wins по ContentUpdatedAt и ModifiedAt сервера,
// при равенстве побеждает сервер (событие пишется в аудит).
// Ассоциации объединяются; локальное удаление сохраняется, только если
// оно позже изменения на сервере. Счётчики сливаются через TagStore.
//
// Фотография и ассоциации сохраняются одной транзакцией. Повторное
// применение того же снимка ничего не меняет и не увеличивает ревизию.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/audit"
	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

var mergeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cs_merge_total",
	Help: "Общее количество слияний с сервером по результату",
}, []string{"outcome"})

// MergeOutcome — результат слияния одной фотографии.
type MergeOutcome string

const (
	MergeChanged   MergeOutcome = "changed"
	MergeUnchanged MergeOutcome = "unchanged"
	MergeFailed    MergeOutcome = "failed"
)

// MergeResult — результат слияния одной пары (локальная запись, снимок).
type MergeResult struct {
	PhotoID string       `json:"photo_id"`
	Outcome MergeOutcome `json:"outcome"`
	// ServerWonTie — равные метки времени, применено значение сервера
	ServerWonTie        bool  `json:"server_won_tie,omitempty"`
	AssociationsChanged int   `json:"associations_changed"`
	CountersChanged     int   `json:"counters_changed"`
	TagsAdded           int   `json:"tags_added"`
	Revision            int64 `json:"revision"`
	Err                 error `json:"-"`
	// Error — текст Err для отчёта
	Error string `json:"error,omitempty"`
}

// SnapshotPair — фотография и снимок её состояния на сервере.
type SnapshotPair struct {
	PhotoID  string
	Snapshot *model.RemoteSnapshot
}

// AuditRecorder — запись событий в журнал аудита.
type AuditRecorder interface {
	Record(kind audit.Kind, photoID, resultingState, message string)
}

// Resolver — сервис слияния.
type Resolver struct {
	store   repository.Store
	tags    *TagStore
	journal AuditRecorder
	now     func() time.Time
	logger  *slog.Logger
}

// NewResolver создаёт сервис слияния.
func NewResolver(store repository.Store, tags *TagStore, journal AuditRecorder, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		tags:    tags,
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "resolver")),
	}
}

// Resolve сливает снимок сервера с локальной записью photoID.
// Некорректный снимок не меняет локальную запись (MALFORMED_REMOTE_STATE).
func (r *Resolver) Resolve(ctx context.Context, photoID string, snap *model.RemoteSnapshot) MergeResult {
	res := MergeResult{PhotoID: photoID}

	if err := snap.Validate(photoID, r.tags.Known); err != nil {
		return r.fail(res, syncerr.New(syncerr.MalformedRemoteState, photoID, "merge", err), "")
	}

	for _, rt := range snap.Tags {
		added, err := r.tags.EnsureTag(ctx, rt)
		if err != nil {
			return r.fail(res, fmt.Errorf("добавление тегов снимка: %w", err), "")
		}
		if added {
			res.TagsAdded++
		}
	}

	var state model.SyncStatus
	var tieDiffered bool
	err := r.store.RunInTx(ctx, func(tx repository.Store) error {
		p, err := tx.Photos().GetByID(ctx, photoID)
		if err != nil {
			return mapRepoError(err, "фотография "+photoID)
		}
		state = p.SyncStatus
		if p.SyncStatus == model.SyncSyncing {
			return syncerr.Newf(syncerr.ConcurrencyViolation, photoID, "merge",
				"фотография загружается, слияние отложено")
		}

		local, err := tx.Associations().ListByPhoto(ctx, photoID)
		if err != nil {
			return fmt.Errorf("ассоциации фотографии: %w", err)
		}

		photoChanged, tie, differed := mergeScalars(p, snap)
		res.ServerWonTie = tie
		tieDiffered = differed
		changedAssocs := mergeAssociations(photoID, local, snap.Associations)
		res.AssociationsChanged = len(changedAssocs)

		if !photoChanged && len(changedAssocs) == 0 {
			res.Revision = p.Revision
			return nil
		}

		for _, a := range changedAssocs {
			if err := tx.Associations().Upsert(ctx, a); err != nil {
				return mapRepoError(err, "ассоциация "+a.TagID)
			}
		}
		p.UpdatedAt = r.now()
		if err := tx.Photos().Update(ctx, p); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return syncerr.New(syncerr.ConcurrencyViolation, photoID, "merge", err)
			}
			return fmt.Errorf("сохранение фотографии: %w", err)
		}
		res.Revision = p.Revision
		res.Outcome = MergeChanged
		return nil
	})
	if err != nil {
		return r.fail(res, err, state)
	}

	if res.ServerWonTie && tieDiffered {
		r.journal.Record(audit.KindLWWTie, photoID, string(state),
			fmt.Sprintf("равные метки времени %s, применено значение сервера", snap.ModifiedAt.Format(time.RFC3339Nano)))
	}

	counters, err := r.tags.MergeRemoteUsage(ctx, snap.Usage)
	res.CountersChanged = counters
	if err != nil {
		// Запись уже слита; счётчики догонятся при следующем слиянии
		r.logger.Warn("Счётчики слиты частично",
			slog.String("photo_id", photoID),
			slog.String("error", err.Error()),
		)
	}

	if res.Outcome == "" {
		if counters > 0 || res.TagsAdded > 0 {
			res.Outcome = MergeChanged
		} else {
			res.Outcome = MergeUnchanged
		}
	}
	mergeTotal.WithLabelValues(string(res.Outcome)).Inc()

	r.logger.Debug("Слияние выполнено",
		slog.String("photo_id", photoID),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("associations", res.AssociationsChanged),
		slog.Int("counters", res.CountersChanged),
	)
	return res
}

// ResolveBatch сливает пары независимо: ошибка одной пары не прерывает остальные.
func (r *Resolver) ResolveBatch(ctx context.Context, pairs []SnapshotPair) []MergeResult {
	results := make([]MergeResult, 0, len(pairs))
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			results = append(results, MergeResult{PhotoID: pair.PhotoID, Outcome: MergeFailed, Err: err, Error: err.Error()})
			continue
		}
		results = append(results, r.Resolve(ctx, pair.PhotoID, pair.Snapshot))
	}
	return results
}

func (r *Resolver) fail(res MergeResult, err error, state model.SyncStatus) MergeResult {
	res.Outcome = MergeFailed
	res.Err = err
	res.Error = err.Error()
	mergeTotal.WithLabelValues(string(MergeFailed)).Inc()

	var kind audit.Kind
	switch syncerr.KindOf(err) {
	case syncerr.MalformedRemoteState:
		kind = audit.KindMalformedRemoteState
	case syncerr.ConcurrencyViolation:
		kind = audit.KindConcurrency
	default:
		kind = audit.KindMergeWarning
	}
	if !errors.Is(err, ErrNotFound) {
		r.journal.Record(kind, res.PhotoID, string(state), err.Error())
	}

	r.logger.Warn("Слияние со снимком сервера не выполнено",
		slog.String("photo_id", res.PhotoID),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return res
}

// mergeScalars применяет last-writer-wins к скалярным полям.
// Возвращает: изменилась ли запись, была ли ничья, отличались ли значения при ничьей.
func mergeScalars(p *model.Photo, snap *model.RemoteSnapshot) (changed, tie, differed bool) {
	if p.RemoteRef == nil && snap.RemoteRef != "" {
		ref := snap.RemoteRef
		p.RemoteRef = &ref
		changed = true
	}

	tie = snap.ModifiedAt.Equal(p.ContentUpdatedAt)
	serverWins := tie || snap.ModifiedAt.After(p.ContentUpdatedAt)
	if !serverWins {
		return changed, false, false
	}

	if p.Compliance != snap.Compliance {
		p.Compliance = snap.Compliance
		p.ContentUpdatedAt = snap.ModifiedAt
		return true, tie, tie
	}
	return changed, tie, false
}

// mergeAssociations объединяет ассоциации и возвращает изменённые.
func mergeAssociations(photoID string, local []*model.PhotoTagAssociation, remote []model.RemoteAssociation) []*model.PhotoTagAssociation {
	byTag := make(map[string]*model.PhotoTagAssociation, len(local))
	for _, a := range local {
		byTag[a.TagID] = a
	}

	var changed []*model.PhotoTagAssociation
	for _, ra := range remote {
		cur, ok := byTag[ra.TagID]
		switch {
		case !ok:
			changed = append(changed, fromRemote(photoID, ra))

		case !cur.Active():
			// Локальное удаление позже изменения на сервере — удаление сохраняется
			if cur.RemovedAt.After(ra.ModifiedAt) {
				continue
			}
			changed = append(changed, fromRemote(photoID, ra))

		case ra.ModifiedAt.After(cur.UpdatedAt):
			next := fromRemote(photoID, ra)
			if !sameAssociation(cur, next) {
				changed = append(changed, next)
			}
		}
	}
	return changed
}

func fromRemote(photoID string, ra model.RemoteAssociation) *model.PhotoTagAssociation {
	a := &model.PhotoTagAssociation{
		PhotoID:   photoID,
		TagID:     ra.TagID,
		AppliedAt: ra.AppliedAt,
		AppliedBy: ra.AppliedBy,
		Source:    ra.Source,
		UpdatedAt: ra.ModifiedAt,
	}
	if ra.Confidence != nil {
		v := *ra.Confidence
		a.Confidence = &v
	}
	return a
}

func sameAssociation(a, b *model.PhotoTagAssociation) bool {
	if a.Source != b.Source || a.AppliedBy != b.AppliedBy || !a.AppliedAt.Equal(b.AppliedAt) {
		return false
	}
	if (a.Confidence == nil) != (b.Confidence == nil) {
		return false
	}
	return a.Confidence == nil || *a.Confidence == *b.Confidence
}
