// Точка входа capture-sync — офлайн-очереди синхронизации фотографий инспекций.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/analysis"
	"github.com/bigkaa/goartstore/capture-sync/internal/api/handlers"
	"github.com/bigkaa/goartstore/capture-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/capture-sync/internal/config"
	"github.com/bigkaa/goartstore/capture-sync/internal/database"
	"github.com/bigkaa/goartstore/capture-sync/internal/events"
	"github.com/bigkaa/goartstore/capture-sync/internal/lease"
	"github.com/bigkaa/goartstore/capture-sync/internal/remote"
	"github.com/bigkaa/goartstore/capture-sync/internal/repository"
	"github.com/bigkaa/goartstore/capture-sync/internal/server"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/audit"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/filestore"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/memstore"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("capture-sync запускается",
		slog.String("device_id", cfg.DeviceID),
		slog.String("version", config.Version),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.Int("port", cfg.Port),
		slog.String("remote_url", cfg.RemoteURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Инициализация компонентов ---

	// 1. Хранилище записей
	var (
		store      repository.Store
		readiness  []handlers.ReadinessChecker
		dephealthP = service.DephealthParams{
			ServiceID:     cfg.DeviceID,
			Group:         cfg.DephealthGroup,
			RemoteURL:     cfg.RemoteURL,
			CheckInterval: cfg.DephealthCheckInterval,
		}
	)
	switch cfg.StorageBackend {
	case config.StorageBackendPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		store = repository.NewPostgresStore(pool)
		readiness = append(readiness, database.NewReadinessChecker(pool))

		db := database.OpenDB(pool)
		defer db.Close()
		dephealthP.DB = db
		dephealthP.PgConnURL = cfg.DatabaseURL()
	default:
		mem := memstore.New(logger)
		mem.SeedCatalog(time.Now().UTC())
		store = mem
		logger.Warn("Хранилище в памяти: записи не переживут перезапуск")
	}

	// 2. Файловое хранилище и журнал аудита
	files, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации FileStore", slog.String("error", err.Error()))
		os.Exit(1)
	}
	journal, err := audit.New(cfg.AuditDir, cfg.DeviceID, logger)
	if err != nil {
		logger.Error("Ошибка инициализации журнала аудита", slog.String("error", err.Error()))
		os.Exit(1)
	}
	readiness = append(readiness, files, journal)

	// 3. Теги и записи фотографий
	tags := service.NewTagStore(store.Tags(), logger)
	if err := tags.Load(ctx); err != nil {
		logger.Error("Ошибка загрузки тегов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	recommender := service.NewRecommender(tags, cfg.RecommendCacheSize, cfg.RecommendCacheTTL, logger)
	photos := service.NewPhotoService(store, files, tags, logger)
	resolver := service.NewResolver(store, tags, journal, logger)

	// 4. Клиент сервера синхронизации
	remoteClient, err := remote.New(remote.Config{
		BaseURL:    cfg.RemoteURL,
		CACertPath: cfg.RemoteCACert,
		Token:      cfg.RemoteToken,
		Timeout:    cfg.UploadTimeout,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации клиента сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Аренда загрузок: Redis при нескольких процессах, иначе память
	var uploadLease lease.Lease = lease.NewMemory(cfg.LeaseTTL)
	if cfg.RedisAddr != "" {
		redisLease, err := lease.NewRedis(ctx, lease.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "capture-sync:lease:",
		}, cfg.LeaseTTL)
		if err != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisLease.Close()
		uploadLease = redisLease
		readiness = append(readiness, redisLease)
		logger.Info("Аренда загрузок в Redis", slog.String("addr", cfg.RedisAddr))
	}

	// 6. Поток событий для UI
	hub := events.NewHub(cfg.EventsAllowedOrigins, logger)
	go hub.Run()

	// 7. Очередь загрузок
	queue := service.NewQueueManager(service.QueueDeps{
		Store:    store,
		Files:    files,
		Tags:     tags,
		Uploader: remoteClient,
		Fetcher:  remoteClient,
		Resolver: resolver,
		Lease:    uploadLease,
		Journal:  journal,
		Events:   hub,
	}, service.QueueConfig{
		MaxConcurrent: cfg.MaxConcurrentUploads,
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		UploadTimeout: cfg.UploadTimeout,
		PollInterval:  cfg.QueuePollInterval,
	}, logger)
	if err := queue.Restore(ctx); err != nil {
		logger.Error("Ошибка восстановления очереди", slog.String("error", err.Error()))
		os.Exit(1)
	}
	queue.Start(ctx)

	// 8. Фоновая сверка с сервером
	reconcileSvc := service.NewReconcileService(
		store.Photos(),
		remoteClient,
		resolver,
		journal,
		cfg.ReconcileInterval,
		cfg.ReconcilePageSize,
		logger,
	)
	reconcileSvc.Start(ctx)

	// Очистка директории данных от недописанных и ничейных файлов
	gcSvc := service.NewGCService(files, store.Photos(), cfg.GCInterval, cfg.GCMaxAge, logger)
	gcSvc.Start(ctx)

	// 9. topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(dephealthP, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	}

	// 10. AI-анализ (опционально)
	var analyzer handlers.Analyzer
	if cfg.AIProvider == config.AIProviderRekognition {
		detector, err := analysis.NewRekognitionDetector(ctx, cfg.AWSRegion, cfg.AIMinConfidence)
		if err != nil {
			logger.Warn("AI-анализ недоступен", slog.String("error", err.Error()))
		} else {
			analyzer = analysis.NewService(detector, photos, files, cfg.AIMinConfidence, logger)
			logger.Info("AI-анализ включён",
				slog.String("provider", cfg.AIProvider),
				slog.String("region", cfg.AWSRegion),
			)
		}
	}

	// 11. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewPhotoHandler(photos, queue, files, analyzer, logger),
		handlers.NewTagHandler(tags, recommender, logger),
		handlers.NewQueueHandler(queue, logger),
		handlers.NewMaintenanceHandler(reconcileSvc, journal, logger),
		handlers.NewSystemHandler(cfg, queue, tags, analyzer),
		hub,
	)
	healthHandler := handlers.NewHealthHandler(readiness...)

	// 12. JWT middleware
	var auth func(http.Handler) http.Handler
	if cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: 15 * time.Minute,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		auth = jwtAuth.Middleware()
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("CS_JWKS_URL не задан, API без аутентификации")
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, healthHandler, apiHandler, auth)
	runErr := srv.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	queue.Stop()
	reconcileSvc.Stop()
	gcSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	hub.Shutdown()
	cancel()

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("capture-sync остановлен")
}
