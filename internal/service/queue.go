// queue.go — очередь загрузок фотографий.
//
// Очередь не хранится отдельно: она восстанавливается из статусов
// фотографий при старте (Restore). Порядок — строгие уровни приоритета
// (high раньше normal), внутри уровня FIFO по QueuedAt. Повторяемая
// фотография сохраняет место и становится доступной после NextRetryAt.
//
// Одновременно загружается не более maxConcurrent фотографий. Фотография
// захватывается через набор inFlight процесса и аренду (lease), поэтому
// одну фотографию не загружают два воркера.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/domain/syncstate"
	"github.com/bigkaa/goartstore/capture-sync/internal/lease"
	"github.com/bigkaa/goartstore/capture-sync/internal/remote"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/audit"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/filestore"
	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

// Prometheus метрики очереди
var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs_queue_depth",
		Help: "Количество фотографий в очереди по уровню приоритета",
	}, []string{"tier"})

	queueInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cs_queue_inflight",
		Help: "Количество выполняющихся загрузок",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_uploads_total",
		Help: "Общее количество попыток загрузки по результату",
	}, []string{"result"})

	uploadDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_upload_duration_seconds",
		Help:    "Длительность загрузки фотографии в секундах",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_dead_letters_total",
		Help: "Общее количество фотографий, переведённых в dead_letter",
	}, []string{"kind"})
)

// Uploader — транспорт загрузки. Любая ошибка, не классифицированная
// как постоянная, считается временной.
type Uploader interface {
	Upload(ctx context.Context, photo *model.Photo, payload *model.UploadPayload) (*model.UploadReceipt, error)
}

// RemoteStateFetcher — запрос состояния записи на сервере.
type RemoteStateFetcher interface {
	FetchRemoteState(ctx context.Context, photoID string) (*model.RemoteSnapshot, error)
}

// EventPublisher — получатель событий очереди (прогресс в UI).
type EventPublisher interface {
	Publish(e model.QueueEvent)
}

// QueueConfig — параметры очереди.
type QueueConfig struct {
	MaxConcurrent int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	UploadTimeout time.Duration
	PollInterval  time.Duration
}

// QueueSnapshot — текущее состояние очереди.
type QueueSnapshot struct {
	Paused   bool              `json:"paused"`
	InFlight int               `json:"in_flight"`
	Items    []model.QueueItem `json:"items"`
}

// QueueManager — менеджер очереди загрузок.
type QueueManager struct {
	store    repository.Store
	files    *filestore.FileStore
	tags     *TagStore
	uploader Uploader
	fetcher  RemoteStateFetcher
	resolver *Resolver
	lease    lease.Lease
	journal  AuditRecorder
	events   EventPublisher
	cfg      QueueConfig
	logger   *slog.Logger

	now func() time.Time
	// delay вычисляет задержку повтора по числу неудачных попыток
	delay func(attempts int) time.Duration

	mu       sync.Mutex
	items    map[string]*model.QueueItem
	inFlight map[string]struct{}
	// held — фотографии, не взятые в работу из-за аренды или хранилища;
	// до указанного времени не выдаются
	held   map[string]time.Time
	paused bool
	wake   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// QueueDeps — зависимости менеджера очереди.
type QueueDeps struct {
	Store    repository.Store
	Files    *filestore.FileStore
	Tags     *TagStore
	Uploader Uploader
	// Fetcher — необязателен; используется, если ответ на загрузку без снимка
	Fetcher  RemoteStateFetcher
	Resolver *Resolver
	Lease    lease.Lease
	Journal  AuditRecorder
	// Events — необязателен
	Events EventPublisher
}

// NewQueueManager создаёт менеджер очереди.
func NewQueueManager(deps QueueDeps, cfg QueueConfig, logger *slog.Logger) *QueueManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(cfg.BaseDelay, 5*time.Minute)
	}
	if deps.Lease == nil {
		deps.Lease = lease.NewMemory(0)
	}

	q := &QueueManager{
		store:    deps.Store,
		files:    deps.Files,
		tags:     deps.Tags,
		uploader: deps.Uploader,
		fetcher:  deps.Fetcher,
		resolver: deps.Resolver,
		lease:    deps.Lease,
		journal:  deps.Journal,
		events:   deps.Events,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "queue")),
		now:      func() time.Time { return time.Now().UTC() },
		items:    make(map[string]*model.QueueItem),
		inFlight: make(map[string]struct{}),
		held:     make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
	q.delay = q.backoffDelay
	return q
}

// backoffDelay — base × 2^(attempts−1) с разбросом ±20%, не более MaxDelay.
func (q *QueueManager) backoffDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.cfg.BaseDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         q.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return min(d, q.cfg.MaxDelay)
}

// Restore восстанавливает очередь из записей фотографий.
// Фотография в syncing после рестарта считается прерванной загрузкой:
// она переводится в failed с немедленным повтором, попытки не меняются.
func (q *QueueManager) Restore(ctx context.Context) error {
	photos, err := q.store.Photos().ListByStatus(ctx, model.SyncPending, model.SyncFailed, model.SyncSyncing)
	if err != nil {
		return fmt.Errorf("восстановление очереди: %w", err)
	}

	recovered := 0
	items := make(map[string]*model.QueueItem, len(photos))
	for _, p := range photos {
		if p.SyncStatus == model.SyncSyncing {
			if err := q.recoverInterrupted(ctx, p, "загрузка прервана остановкой процесса"); err != nil {
				q.logger.Error("Не удалось восстановить прерванную загрузку",
					slog.String("photo_id", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
		items[p.ID] = model.ItemFromPhoto(p)
	}

	q.mu.Lock()
	q.items = items
	clear(q.held)
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.logger.Info("Очередь восстановлена",
		slog.Int("items", len(items)),
		slog.Int("recovered", recovered),
	)
	q.signal()
	return nil
}

// recoverInterrupted переводит syncing без владельца в failed с немедленным повтором.
func (q *QueueManager) recoverInterrupted(ctx context.Context, p *model.Photo, reason string) error {
	if err := syncstate.Apply(p, model.SyncFailed, syncstate.TriggerRecovery); err != nil {
		return err
	}
	now := q.now()
	p.NextRetryAt = &now
	p.LastError = reason
	p.UpdatedAt = now
	if err := q.store.Photos().Update(ctx, p); err != nil {
		return fmt.Errorf("сохранение фотографии: %w", err)
	}
	q.journal.Record(audit.KindCrashRecovery, p.ID, string(p.SyncStatus), p.LastError)
	return nil
}

// Enqueue ставит фотографию в очередь. Идемпотентна: повторная постановка,
// а также постановка загруженной или dead_letter фотографии ничего не меняет.
func (q *QueueManager) Enqueue(ctx context.Context, photoID string, tier model.PriorityTier) (*model.QueueStatus, error) {
	if tier == "" {
		tier = model.PriorityNormal
	}
	if _, err := model.ParsePriorityTier(string(tier)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	q.mu.Lock()
	_, queued := q.items[photoID]
	_, running := q.inFlight[photoID]
	q.mu.Unlock()
	if queued || running {
		return q.Status(ctx, photoID)
	}

	p, err := q.store.Photos().GetByID(ctx, photoID)
	if err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}

	switch p.SyncStatus {
	case model.SyncPending, model.SyncFailed:
	default:
		// synced, dead_letter и чужая загрузка (syncing) не ставятся в очередь
		return q.Status(ctx, photoID)
	}

	if p.QueuedAt == nil {
		now := q.now()
		p.QueuedAt = &now
		p.Priority = tier
		p.UpdatedAt = now
		if err := q.store.Photos().Update(ctx, p); err != nil {
			return nil, mapRepoError(err, "фотография "+photoID)
		}
	}

	q.mu.Lock()
	if _, ok := q.items[photoID]; !ok {
		q.items[photoID] = model.ItemFromPhoto(p)
	}
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.logger.Info("Фотография поставлена в очередь",
		slog.String("photo_id", photoID),
		slog.String("tier", string(p.Priority)),
	)
	q.publish(p)
	q.signal()
	return q.Status(ctx, photoID)
}

// ProcessNext берёт доступные фотографии (не более свободных слотов)
// и загружает их параллельно. Возвращает количество взятых фотографий.
// На паузе новые фотографии не берутся.
func (q *QueueManager) ProcessNext(ctx context.Context) (int, error) {
	batch := q.claim()
	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.MaxConcurrent)
	for _, photoID := range batch {
		g.Go(func() error {
			q.process(gctx, photoID)
			return nil
		})
	}
	return len(batch), g.Wait()
}

// claim выбирает доступные фотографии в порядке очереди и помечает их inFlight.
func (q *QueueManager) claim() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil
	}
	free := q.cfg.MaxConcurrent - len(q.inFlight)
	if free <= 0 {
		return nil
	}

	now := q.now()
	var batch []string
	for _, item := range q.orderedLocked() {
		if len(batch) >= free {
			break
		}
		if _, busy := q.inFlight[item.PhotoID]; busy {
			continue
		}
		if !item.Eligible(now) {
			continue
		}
		if until, ok := q.held[item.PhotoID]; ok {
			if until.After(now) {
				continue
			}
			delete(q.held, item.PhotoID)
		}
		q.inFlight[item.PhotoID] = struct{}{}
		batch = append(batch, item.PhotoID)
	}
	q.updateGaugesLocked()
	return batch
}

// orderedLocked возвращает элементы очереди в порядке обслуживания.
func (q *QueueManager) orderedLocked() []*model.QueueItem {
	list := make([]*model.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		list = append(list, item)
	}
	sort.Slice(list, func(i, j int) bool {
		ri, rj := tierRank(list[i].Tier), tierRank(list[j].Tier)
		if ri != rj {
			return ri < rj
		}
		if !list[i].QueuedAt.Equal(list[j].QueuedAt) {
			return list[i].QueuedAt.Before(list[j].QueuedAt)
		}
		return list[i].PhotoID < list[j].PhotoID
	})
	return list
}

func tierRank(t model.PriorityTier) int {
	if t == model.PriorityHigh {
		return 0
	}
	return 1
}

// release снимает отметку inFlight и обновляет или удаляет элемент очереди.
func (q *QueueManager) release(p *model.Photo, photoID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inFlight, photoID)
	if p != nil {
		delete(q.held, photoID)
	}
	switch {
	case p == nil:
	case p.SyncStatus == model.SyncPending || p.SyncStatus == model.SyncFailed:
		q.items[photoID] = model.ItemFromPhoto(p)
	default:
		delete(q.items, photoID)
	}
	q.updateGaugesLocked()
}

// hold снимает отметку inFlight и откладывает фотографию на PollInterval.
// Запись в хранилище не меняется, попытки не расходуются.
func (q *QueueManager) hold(photoID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inFlight, photoID)
	if _, ok := q.items[photoID]; ok {
		q.held[photoID] = q.now().Add(q.cfg.PollInterval)
	}
	q.updateGaugesLocked()
}

// process выполняет одну загрузку: аренда, syncing, загрузка, результат.
func (q *QueueManager) process(ctx context.Context, photoID string) {
	acquired, err := q.lease.Acquire(ctx, photoID)
	if err != nil {
		q.logger.Warn("Не удалось захватить аренду, повтор на следующем цикле",
			slog.String("photo_id", photoID),
			slog.String("error", err.Error()),
		)
		q.hold(photoID)
		return
	}
	if !acquired {
		violation := syncerr.Newf(syncerr.ConcurrencyViolation, photoID, "claim", "фотография уже загружается другим воркером")
		q.journal.Record(audit.KindConcurrency, photoID, string(model.SyncSyncing), violation.Error())
		q.logger.Warn("Повторный захват фотографии отклонён", slog.String("photo_id", photoID))
		q.hold(photoID)
		return
	}

	p, err := q.begin(ctx, photoID)
	if err != nil {
		q.releaseLease(photoID)
		q.logger.Warn("Фотография не взята в работу",
			slog.String("photo_id", photoID),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, ErrNotFound):
			q.release(nil, photoID)
			q.mu.Lock()
			delete(q.items, photoID)
			delete(q.held, photoID)
			q.mu.Unlock()
		case p == nil:
			q.hold(photoID)
		default:
			q.release(p, photoID)
		}
		return
	}

	started := time.Now()
	receipt, deltas, uploadErr := q.upload(ctx, p)
	uploadDurationSeconds.Observe(time.Since(started).Seconds())

	if uploadErr != nil {
		final := q.handleFailure(p, uploadErr)
		q.releaseLease(photoID)
		q.release(final, photoID)
		return
	}

	final, err := q.handleSuccess(p, receipt, deltas)
	q.releaseLease(photoID)
	q.release(final, photoID)
	if err != nil {
		return
	}

	// Слияние выполняется после снятия захвата: запись больше не в syncing
	q.mergeAfterUpload(ctx, final, receipt)
}

// begin переводит фотографию в syncing. Вызывается под арендой, поэтому
// syncing в хранилище означает загрузку, результат которой не сохранился:
// такая запись сначала восстанавливается как прерванная.
func (q *QueueManager) begin(ctx context.Context, photoID string) (*model.Photo, error) {
	p, err := q.store.Photos().GetByID(ctx, photoID)
	if err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}
	if p.SyncStatus == model.SyncSyncing {
		if err := q.recoverInterrupted(ctx, p, "результат предыдущей загрузки не сохранён"); err != nil {
			return nil, err
		}
	}
	if p.SyncStatus == model.SyncFailed {
		if err := syncstate.Apply(p, model.SyncPending, syncstate.TriggerRetrySchedule); err != nil {
			return p, err
		}
	}
	if err := syncstate.Apply(p, model.SyncSyncing, syncstate.TriggerWorker); err != nil {
		return p, err
	}
	p.UpdatedAt = q.now()
	if err := q.store.Photos().Update(ctx, p); err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}
	q.publish(p)
	return p, nil
}

// upload собирает пакет и вызывает транспорт с таймаутом.
// Возвращает отправленные приращения счётчиков.
func (q *QueueManager) upload(ctx context.Context, p *model.Photo) (*model.UploadReceipt, []model.UsageDelta, error) {
	content, err := q.files.ReadVerified(p.ID, p.StoragePath, p.Checksum)
	if err != nil {
		return nil, nil, err
	}

	all, err := q.store.Associations().ListByPhoto(ctx, p.ID)
	if err != nil {
		return nil, nil, syncerr.New(syncerr.TransientNetwork, p.ID, "payload", err)
	}
	var active []*model.PhotoTagAssociation
	tagIDs := make([]string, 0, len(all))
	for _, a := range all {
		if a.Active() {
			active = append(active, a)
			tagIDs = append(tagIDs, a.TagID)
		}
	}
	actor := model.ActorContext{UserID: p.UserID, ProjectID: p.Project()}
	payload := &model.UploadPayload{
		Photo:        p.Clone(),
		Content:      content,
		Associations: active,
		UsageDeltas:  q.tags.PendingDeltas(actor, tagIDs),
	}

	upCtx := ctx
	if q.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		upCtx, cancel = context.WithTimeout(ctx, q.cfg.UploadTimeout)
		defer cancel()
	}

	receipt, err := q.uploader.Upload(upCtx, p.Clone(), payload)
	if err != nil {
		return nil, nil, syncerr.ClassifyTransport(p.ID, "upload", err)
	}
	if receipt == nil || receipt.RemoteRef == "" {
		return nil, nil, syncerr.Newf(syncerr.MalformedRemoteState, p.ID, "upload", "ответ без remote_ref")
	}
	return receipt, payload.UsageDeltas, nil
}

// handleFailure применяет политику ошибок: постоянные ошибки и исчерпание
// попыток — dead_letter, остальные — failed с задержкой повтора.
func (q *QueueManager) handleFailure(p *model.Photo, uploadErr error) *model.Photo {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kind := syncerr.KindOf(uploadErr)
	now := q.now()
	p.LastError = uploadErr.Error()
	p.UpdatedAt = now

	var auditKind audit.Kind
	switch {
	case syncerr.IsPermanent(uploadErr):
		if err := syncstate.Apply(p, model.SyncDeadLetter, syncstate.TriggerWorker); err != nil {
			q.logger.Error("Недопустимый переход", slog.String("photo_id", p.ID), slog.String("error", err.Error()))
		}
		p.DeadLetterReason = fmt.Sprintf("%s: %s", kind, uploadErr.Error())
		auditKind = auditKindFor(kind)
		deadLettersTotal.WithLabelValues(string(kind)).Inc()

	default:
		p.Attempts++
		if p.Attempts >= q.cfg.MaxAttempts {
			if err := syncstate.Apply(p, model.SyncDeadLetter, syncstate.TriggerWorker); err != nil {
				q.logger.Error("Недопустимый переход", slog.String("photo_id", p.ID), slog.String("error", err.Error()))
			}
			p.DeadLetterReason = fmt.Sprintf("попытки исчерпаны (%d): %s", p.Attempts, uploadErr.Error())
			auditKind = audit.KindDeadLetter
			deadLettersTotal.WithLabelValues(string(kind)).Inc()
		} else {
			if err := syncstate.Apply(p, model.SyncFailed, syncstate.TriggerWorker); err != nil {
				q.logger.Error("Недопустимый переход", slog.String("photo_id", p.ID), slog.String("error", err.Error()))
			}
			next := now.Add(q.delay(p.Attempts))
			p.NextRetryAt = &next
			auditKind = auditKindFor(kind)
		}
	}

	if err := q.store.Photos().Update(ctx, p); err != nil {
		q.logger.Error("Не удалось сохранить результат загрузки",
			slog.String("photo_id", p.ID),
			slog.String("error", err.Error()),
		)
		// Запись осталась в syncing; элемент очереди сохраняется,
		// и следующий захват восстановит её как прерванную
		return nil
	}

	uploadsTotal.WithLabelValues(string(p.SyncStatus)).Inc()
	q.journal.Record(auditKind, p.ID, string(p.SyncStatus), uploadErr.Error())
	q.publish(p)

	attrs := []any{
		slog.String("photo_id", p.ID),
		slog.String("kind", string(kind)),
		slog.String("status", string(p.SyncStatus)),
		slog.Int("attempts", p.Attempts),
		slog.String("error", uploadErr.Error()),
	}
	if p.SyncStatus == model.SyncDeadLetter {
		q.logger.Error("Фотография переведена в dead_letter", attrs...)
	} else {
		q.logger.Warn("Загрузка не удалась, запланирован повтор",
			append(attrs, slog.Time("next_retry_at", *p.NextRetryAt))...)
	}
	return p
}

func auditKindFor(kind syncerr.Kind) audit.Kind {
	switch kind {
	case syncerr.PermanentValidation:
		return audit.KindPermanentValidation
	case syncerr.StorageCorruption:
		return audit.KindStorageCorruption
	case syncerr.MalformedRemoteState:
		return audit.KindMalformedRemoteState
	case syncerr.ConcurrencyViolation:
		return audit.KindConcurrency
	default:
		return audit.KindTransientNetwork
	}
}

// handleSuccess сохраняет synced и ссылку на удалённую запись,
// затем переносит базовую линию счётчиков.
func (q *QueueManager) handleSuccess(p *model.Photo, receipt *model.UploadReceipt, deltas []model.UsageDelta) (*model.Photo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := syncstate.Apply(p, model.SyncSynced, syncstate.TriggerWorker); err != nil {
		return nil, err
	}
	ref := receipt.RemoteRef
	p.RemoteRef = &ref
	p.UpdatedAt = q.now()
	if err := q.store.Photos().Update(ctx, p); err != nil {
		q.logger.Error("Не удалось сохранить успешную загрузку",
			slog.String("photo_id", p.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := q.tags.MarkSynced(ctx, deltas); err != nil {
		q.logger.Warn("Базовая линия счётчиков не обновлена",
			slog.String("photo_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	uploadsTotal.WithLabelValues(string(model.SyncSynced)).Inc()
	q.publish(p)
	q.logger.Info("Фотография загружена",
		slog.String("photo_id", p.ID),
		slog.String("remote_ref", ref),
		slog.Int("attempts", p.Attempts),
	)
	return p, nil
}

// mergeAfterUpload сливает состояние сервера после загрузки.
// Ошибка слияния не отменяет загрузку.
func (q *QueueManager) mergeAfterUpload(ctx context.Context, p *model.Photo, receipt *model.UploadReceipt) {
	if q.resolver == nil {
		return
	}
	snap := receipt.Snapshot
	if snap == nil && q.fetcher != nil {
		fetched, err := q.fetcher.FetchRemoteState(ctx, p.ID)
		if err != nil {
			kind := audit.KindMergeWarning
			if !errors.Is(err, remote.ErrNotFound) {
				kind = auditKindFor(syncerr.KindOf(err))
			}
			q.journal.Record(kind, p.ID, string(p.SyncStatus),
				"состояние сервера не получено: "+err.Error())
			return
		}
		snap = fetched
	}
	if snap == nil {
		return
	}
	q.resolver.Resolve(ctx, p.ID, snap)
}

func (q *QueueManager) releaseLease(photoID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.lease.Release(ctx, photoID); err != nil {
		q.logger.Warn("Не удалось освободить аренду",
			slog.String("photo_id", photoID),
			slog.String("error", err.Error()),
		)
	}
}

// Pause останавливает выдачу новых загрузок. Выполняющиеся загрузки завершаются.
func (q *QueueManager) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("Очередь приостановлена")
}

// Resume возобновляет выдачу загрузок.
func (q *QueueManager) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("Очередь возобновлена")
	q.signal()
}

// Paused сообщает, приостановлена ли очередь.
func (q *QueueManager) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Status возвращает состояние фотографии для отображения прогресса.
func (q *QueueManager) Status(ctx context.Context, photoID string) (*model.QueueStatus, error) {
	p, err := q.store.Photos().GetByID(ctx, photoID)
	if err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}

	q.mu.Lock()
	_, queued := q.items[photoID]
	_, running := q.inFlight[photoID]
	q.mu.Unlock()

	st := &model.QueueStatus{
		PhotoID:          p.ID,
		Status:           p.SyncStatus,
		Tier:             p.Priority,
		Attempts:         p.Attempts,
		Queued:           queued,
		InFlight:         running,
		LastError:        p.LastError,
		DeadLetterReason: p.DeadLetterReason,
	}
	if p.NextRetryAt != nil {
		v := *p.NextRetryAt
		st.NextRetryAt = &v
	}
	return st, nil
}

// Retry — ручной повтор фотографии из dead_letter. Попытки обнуляются,
// фотография возвращается на своё место в очереди.
func (q *QueueManager) Retry(ctx context.Context, photoID string) (*model.QueueStatus, error) {
	p, err := q.store.Photos().GetByID(ctx, photoID)
	if err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}
	if p.SyncStatus != model.SyncDeadLetter {
		return nil, fmt.Errorf("%w: повтор доступен только для dead_letter, текущий статус %s",
			ErrConflict, p.SyncStatus)
	}

	reason := p.DeadLetterReason
	if err := syncstate.Apply(p, model.SyncPending, syncstate.TriggerManualRetry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	p.UpdatedAt = q.now()
	if err := q.store.Photos().Update(ctx, p); err != nil {
		return nil, mapRepoError(err, "фотография "+photoID)
	}

	q.mu.Lock()
	q.items[photoID] = model.ItemFromPhoto(p)
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.journal.Record(audit.KindDeadLetterRetry, photoID, string(p.SyncStatus), "ручной повтор; причина: "+reason)
	q.publish(p)
	q.signal()

	q.logger.Info("Ручной повтор фотографии из dead_letter", slog.String("photo_id", photoID))
	return q.Status(ctx, photoID)
}

// DeadLetters возвращает фотографии, ожидающие ручного повтора.
func (q *QueueManager) DeadLetters(ctx context.Context) ([]*model.Photo, error) {
	list, err := q.store.Photos().ListByStatus(ctx, model.SyncDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("список dead_letter: %w", err)
	}
	return list, nil
}

// Snapshot возвращает элементы очереди в порядке обслуживания.
func (q *QueueManager) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	items := make([]model.QueueItem, 0, len(ordered))
	for _, item := range ordered {
		copied := *item
		if _, busy := q.inFlight[item.PhotoID]; busy {
			copied.Status = model.SyncSyncing
		}
		items = append(items, copied)
	}
	return QueueSnapshot{Paused: q.paused, InFlight: len(q.inFlight), Items: items}
}

// Start запускает цикл планирования: тикер и пробуждение при постановке.
func (q *QueueManager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.run(loopCtx)

	q.logger.Info("Очередь загрузок запущена",
		slog.Int("max_concurrent", q.cfg.MaxConcurrent),
		slog.String("poll_interval", q.cfg.PollInterval.String()),
	)
}

// Stop останавливает цикл и ждёт завершения текущего пакета загрузок.
func (q *QueueManager) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	if q.done != nil {
		<-q.done
	}
	q.logger.Info("Очередь загрузок остановлена")
}

func (q *QueueManager) run(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
		for {
			n, err := q.ProcessNext(ctx)
			if err != nil {
				q.logger.Error("Ошибка цикла загрузок", slog.String("error", err.Error()))
			}
			if n == 0 || ctx.Err() != nil {
				break
			}
		}
	}
}

// signal будит цикл планирования, не блокируясь.
func (q *QueueManager) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *QueueManager) publish(p *model.Photo) {
	if q.events == nil {
		return
	}
	q.events.Publish(model.EventFromPhoto(p, q.now()))
}

func (q *QueueManager) updateGaugesLocked() {
	var high, normal float64
	for _, item := range q.items {
		if _, busy := q.inFlight[item.PhotoID]; busy {
			continue
		}
		if item.Tier == model.PriorityHigh {
			high++
		} else {
			normal++
		}
	}
	queueDepth.WithLabelValues(string(model.PriorityHigh)).Set(high)
	queueDepth.WithLabelValues(string(model.PriorityNormal)).Set(normal)
	queueInflight.Set(float64(len(q.inFlight)))
}
