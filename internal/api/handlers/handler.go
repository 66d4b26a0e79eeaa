// handler.go — APIHandler собирает доменные handler'ы и регистрирует
// маршруты /api/v1 в chi-роутере.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/capture-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/capture-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/capture-sync/internal/analysis"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

// APIHandler — единый набор handler'ов /api/v1.
type APIHandler struct {
	photos      *PhotoHandler
	tags        *TagHandler
	queue       *QueueHandler
	maintenance *MaintenanceHandler
	system      *SystemHandler
	// events — websocket-поток статусов (nil — endpoint не регистрируется)
	events http.Handler
}

// NewAPIHandler создаёт единый handler для всех endpoints /api/v1.
func NewAPIHandler(
	photos *PhotoHandler,
	tags *TagHandler,
	queue *QueueHandler,
	maintenance *MaintenanceHandler,
	system *SystemHandler,
	events http.Handler,
) *APIHandler {
	return &APIHandler{
		photos:      photos,
		tags:        tags,
		queue:       queue,
		maintenance: maintenance,
		system:      system,
		events:      events,
	}
}

// Routes регистрирует маршруты относительно /api/v1.
// Управление очередью и обслуживание требуют scope оператора.
func (h *APIHandler) Routes(r chi.Router) {
	operator := middleware.RequireScope(middleware.ScopeOperator)

	r.Get("/info", h.system.GetInfo)

	r.Route("/photos", func(r chi.Router) {
		r.Post("/", h.photos.CreatePhoto)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.photos.GetPhoto)
			r.Patch("/", h.photos.UpdatePhoto)
			r.Get("/content", h.photos.Content)
			r.Get("/queue-status", h.queue.GetStatus)
			r.With(operator).Post("/retry", h.queue.Retry)
			r.Post("/tags", h.photos.ApplyTag)
			r.Delete("/tags/{tagID}", h.photos.RemoveTag)
			r.Post("/suggested-tags", h.photos.ApplySuggestedTags)
			r.Post("/analyze", h.photos.Analyze)
		})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.queue.GetQueue)
		r.With(operator).Post("/pause", h.queue.Pause)
		r.With(operator).Post("/resume", h.queue.Resume)
	})

	r.Route("/tags", func(r chi.Router) {
		r.Get("/recommendations", h.tags.Recommendations)
		r.Post("/", h.tags.CreateTag)
		r.Post("/{id}/usage", h.tags.RecordUsage)
	})

	r.With(operator).Post("/maintenance/reconcile", h.maintenance.Reconcile)
	r.With(operator).Get("/audit", h.maintenance.ListAudit)

	if h.events != nil {
		r.Handle("/events", h.events)
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. При ошибке пишет 400 и возвращает false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// userFrom возвращает пользователя запроса: subject JWT, иначе явно
// переданный идентификатор.
func userFrom(r *http.Request, explicit string) string {
	if sub := middleware.SubjectFromContext(r.Context()); sub != "" {
		return sub
	}
	return explicit
}

// projectFrom возвращает объект запроса: явно переданный, иначе
// project_id из токена.
func projectFrom(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	p, _ := middleware.PrincipalFromContext(r.Context())
	return p.ProjectID
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case syncerr.Is(err, syncerr.ConcurrencyViolation):
		apierrors.ConcurrencyViolation(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, analysis.ErrDisabled), errors.Is(err, service.ErrUnavailable):
		apierrors.Unavailable(w, err.Error())
	default:
		logger.Error("Внутренняя ошибка обработки запроса", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
