// queue.go — HTTP handlers очереди загрузок: снимок, пауза,
// состояние фотографии и ручной повтор из dead_letter.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/capture-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
)

// QueueHandler — обработчик endpoints очереди.
type QueueHandler struct {
	queue  *service.QueueManager
	logger *slog.Logger
}

// NewQueueHandler создаёт обработчик endpoints очереди.
func NewQueueHandler(queue *service.QueueManager, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  queue,
		logger: logger.With(slog.String("component", "queue_handler")),
	}
}

type queueResponse struct {
	service.QueueSnapshot
	DeadLetters []*model.Photo `json:"dead_letters"`
}

// GetQueue обрабатывает GET /api/v1/queue.
func (h *QueueHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	dead, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if dead == nil {
		dead = []*model.Photo{}
	}
	writeJSON(w, http.StatusOK, queueResponse{QueueSnapshot: h.queue.Snapshot(), DeadLetters: dead})
}

type pauseResponse struct {
	Paused    bool      `json:"paused"`
	ChangedAt time.Time `json:"changed_at"`
}

// Pause обрабатывает POST /api/v1/queue/pause.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	h.logger.Info("Очередь приостановлена по запросу",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, pauseResponse{Paused: true, ChangedAt: time.Now().UTC()})
}

// Resume обрабатывает POST /api/v1/queue/resume.
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	h.logger.Info("Очередь возобновлена по запросу",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, pauseResponse{Paused: false, ChangedAt: time.Now().UTC()})
}

// GetStatus обрабатывает GET /api/v1/photos/{id}/queue-status.
func (h *QueueHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Retry обрабатывает POST /api/v1/photos/{id}/retry.
// Доступно только для фотографий в dead_letter (иначе 409).
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
