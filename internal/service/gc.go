// gc.go — сервис фоновой очистки (Garbage Collection) директории данных.
//
// GC выполняет две задачи:
//  1. Удаляет временные файлы (.tmp) прерванных сохранений старше maxAge
//  2. Находит файлы, на которые не ссылается ни одна фотография
//     (например, multipart-захват с отклонёнными метаданными), и удаляет
//     их, если они старше maxAge
//
// Запускается как горутина с периодическим тикером (CS_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/filestore"
)

// Prometheus метрики GC
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_gc_runs_total",
		Help: "Общее количество запусков GC",
	})

	gcFilesDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_gc_files_deleted_total",
		Help: "Общее количество файлов, удалённых GC",
	}, []string{"reason"})

	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_gc_duration_seconds",
		Help:    "Длительность выполнения GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// allStatuses — все статусы синхронизации: ссылки на файлы есть у любой записи.
var allStatuses = []model.SyncStatus{
	model.SyncPending, model.SyncSyncing, model.SyncSynced, model.SyncFailed, model.SyncDeadLetter,
}

// GCResult — результат одного запуска GC.
type GCResult struct {
	// TempDeleted — удалённые временные файлы
	TempDeleted int
	// OrphansDeleted — удалённые файлы без записи фотографии
	OrphansDeleted int
	// Pending — файлы-кандидаты моложе maxAge (оставлены до следующего запуска)
	Pending int
	Errors  int
	// Duration — длительность выполнения
	Duration time.Duration
}

// GCService — сервис фоновой очистки файлов.
type GCService struct {
	files    *filestore.FileStore
	photos   repository.PhotoRepository
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewGCService создаёт сервис GC.
func NewGCService(
	files *filestore.FileStore,
	photos repository.PhotoRepository,
	interval time.Duration,
	maxAge time.Duration,
	logger *slog.Logger,
) *GCService {
	return &GCService{
		files:    files,
		photos:   photos,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "gc")),
		now:      time.Now,
	}
}

// Start запускает фоновую горутину GC с периодическим тикером.
// Вызывается один раз при старте приложения.
func (gc *GCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.interval.String()),
		slog.String("max_age", gc.maxAge.String()),
	)
}

// Stop останавливает фоновый процесс GC.
func (gc *GCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
	}
	gc.logger.Info("GC остановлен")
}

// run — основной цикл фоновой горутины.
func (gc *GCService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	gc.RunOnce(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл GC.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (gc *GCService) RunOnce(ctx context.Context) *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}

	entries, err := gc.files.Walk()
	if err != nil {
		gc.logger.Error("GC: ошибка обхода директории данных", slog.String("error", err.Error()))
		result.Errors++
		return result
	}

	// Ссылки читаются после обхода: файл, сохранённый между обходом
	// и чтением записей, моложе maxAge и не удаляется.
	referenced, err := gc.referencedPaths(ctx)
	if err != nil {
		gc.logger.Error("GC: ошибка чтения записей фотографий", slog.String("error", err.Error()))
		result.Errors++
		return result
	}

	cutoff := gc.now().Add(-gc.maxAge)
	for _, e := range entries {
		reason := ""
		switch {
		case e.Temp:
			reason = "temp"
		case !referenced[e.StoragePath]:
			reason = "orphan"
		default:
			continue
		}

		if e.ModTime.After(cutoff) {
			result.Pending++
			continue
		}

		if err := gc.files.Remove(e.StoragePath); err != nil {
			gc.logger.Error("GC: ошибка удаления файла",
				slog.String("storage_path", e.StoragePath),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		gcFilesDeletedTotal.WithLabelValues(reason).Inc()
		if reason == "temp" {
			result.TempDeleted++
		} else {
			result.OrphansDeleted++
		}
		gc.logger.Debug("GC: файл удалён",
			slog.String("storage_path", e.StoragePath),
			slog.String("reason", reason),
		)
	}

	result.Duration = time.Since(start)
	gcRunsTotal.Inc()
	gcDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC завершён",
		slog.Int("temp_deleted", result.TempDeleted),
		slog.Int("orphans_deleted", result.OrphansDeleted),
		slog.Int("pending", result.Pending),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (gc *GCService) referencedPaths(ctx context.Context) (map[string]bool, error) {
	photos, err := gc.photos.ListByStatus(ctx, allStatuses...)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]bool, len(photos))
	for _, p := range photos {
		refs[p.StoragePath] = true
	}
	return refs, nil
}
