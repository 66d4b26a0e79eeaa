// reconcile.go — фоновая сверка синхронизированных фотографий с сервером.
//
// Проходит по фотографиям в статусе synced постранично, запрашивает
// состояние каждой на сервере (не более 5 запросов параллельно)
// и сливает полученные снимки через Resolver. Так изменения, сделанные
// на других устройствах (теги, статус, счётчики), попадают на устройство.
//
// Запускается как горутина с периодическим тикером (CS_RECONCILE_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/remote"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_reconcile_runs_total",
		Help: "Общее количество запусков сверки с сервером",
	})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_reconcile_duration_seconds",
		Help:    "Длительность сверки с сервером в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// reconcileParallelism — предел параллельных запросов состояния.
const reconcileParallelism = 5

// ReconcileReport — результат одного прохода сверки.
type ReconcileReport struct {
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Checked       int           `json:"checked"`
	Changed       int           `json:"changed"`
	Unchanged     int           `json:"unchanged"`
	Failed        int           `json:"failed"`
	MissingRemote int           `json:"missing_remote"`
	Items         []MergeResult `json:"items,omitempty"`
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	photos   repository.PhotoRepository
	fetcher  RemoteStateFetcher
	resolver *Resolver
	journal  AuditRecorder
	interval time.Duration
	pageSize int
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	photos repository.PhotoRepository,
	fetcher RemoteStateFetcher,
	resolver *Resolver,
	journal AuditRecorder,
	interval time.Duration,
	pageSize int,
	logger *slog.Logger,
) *ReconcileService {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &ReconcileService{
		photos:   photos,
		fetcher:  fetcher,
		resolver: resolver,
		journal:  journal,
		interval: interval,
		pageSize: pageSize,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Сверка с сервером запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка с сервером остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileReport, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	rs.logger.Info("Сверка начата")

	for offset := 0; ctx.Err() == nil; offset += rs.pageSize {
		page, err := rs.photos.ListSynced(ctx, rs.pageSize, offset)
		if err != nil {
			rs.logger.Error("Ошибка чтения страницы фотографий",
				slog.Int("offset", offset),
				slog.String("error", err.Error()),
			)
			break
		}
		if len(page) == 0 {
			break
		}
		rs.reconcilePage(ctx, page, report)
		if len(page) < rs.pageSize {
			break
		}
	}

	report.CompletedAt = time.Now().UTC()
	duration := report.CompletedAt.Sub(report.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())

	rs.logger.Info("Сверка завершена",
		slog.Int("checked", report.Checked),
		slog.Int("changed", report.Changed),
		slog.Int("failed", report.Failed),
		slog.Int("missing_remote", report.MissingRemote),
		slog.Duration("duration", duration),
	)
	return report, false
}

// reconcilePage запрашивает состояние фотографий страницы и сливает снимки.
func (rs *ReconcileService) reconcilePage(ctx context.Context, page []*model.Photo, report *ReconcileReport) {
	type fetched struct {
		snap *model.RemoteSnapshot
		err  error
	}
	results := make([]fetched, len(page))

	var wg sync.WaitGroup
	sem := make(chan struct{}, reconcileParallelism)
	for i, p := range page {
		wg.Add(1)
		go func(i int, photoID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			snap, err := rs.fetcher.FetchRemoteState(ctx, photoID)
			results[i] = fetched{snap: snap, err: err}
		}(i, p.ID)
	}
	wg.Wait()

	pairs := make([]SnapshotPair, 0, len(page))
	for i, p := range page {
		report.Checked++
		r := results[i]
		switch {
		case errors.Is(r.err, remote.ErrNotFound):
			report.MissingRemote++
			rs.logger.Warn("Синхронизированная фотография отсутствует на сервере",
				slog.String("photo_id", p.ID),
			)
		case r.err != nil:
			report.Failed++
			report.Items = append(report.Items, MergeResult{
				PhotoID: p.ID,
				Outcome: MergeFailed,
				Err:     r.err,
				Error:   r.err.Error(),
			})
			kind := syncerr.KindOf(r.err)
			rs.journal.Record(auditKindFor(kind), p.ID, string(p.SyncStatus),
				"состояние сервера не получено: "+r.err.Error())
			rs.logger.Warn("Ошибка запроса состояния фотографии",
				slog.String("photo_id", p.ID),
				slog.String("kind", string(kind)),
				slog.String("error", r.err.Error()),
			)
		default:
			pairs = append(pairs, SnapshotPair{PhotoID: p.ID, Snapshot: r.snap})
		}
	}

	for _, res := range rs.resolver.ResolveBatch(ctx, pairs) {
		switch res.Outcome {
		case MergeChanged:
			report.Changed++
		case MergeUnchanged:
			report.Unchanged++
		default:
			report.Failed++
		}
		if res.Outcome != MergeUnchanged {
			report.Items = append(report.Items, res)
		}
	}
}
