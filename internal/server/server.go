// Пакет server — HTTP-сервер capture-sync с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/capture-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/capture-sync/internal/config"
)

// HealthProvider — интерфейс для health endpoints.
type HealthProvider interface {
	HealthLive(w http.ResponseWriter, r *http.Request)
	HealthReady(w http.ResponseWriter, r *http.Request)
}

// RouteRegistrar регистрирует маршруты /api/v1.
type RouteRegistrar interface {
	Routes(r chi.Router)
}

// Server — HTTP-сервер capture-sync.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// auth — middleware аутентификации /api/v1 (nil — без аутентификации).
func New(cfg *config.Config, logger *slog.Logger, health HealthProvider, api RouteRegistrar, auth func(http.Handler) http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewRouter(logger, health, api, auth),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			// WriteTimeout не задан: websocket /api/v1/events держит соединение
			IdleTimeout: 120 * time.Second,
		},
		logger:          logger.With(slog.String("component", "http")),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// NewRouter собирает chi-роутер: health, /metrics и /api/v1.
func NewRouter(logger *slog.Logger, health HealthProvider, api RouteRegistrar, auth func(http.Handler) http.Handler) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		api.Routes(r)
	})
	return router
}

// Handler возвращает корневой HTTP-обработчик (для тестов).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
