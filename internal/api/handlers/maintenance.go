// maintenance.go — обработчики обслуживания: ручная сверка с сервером
// (POST /api/v1/maintenance/reconcile) и журнал аудита (GET /api/v1/audit).
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/goartstore/capture-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/audit"
)

// defaultAuditLimit — число записей журнала по умолчанию.
const defaultAuditLimit = 100

// ReconcileRunner — интерфейс для запуска сверки.
// Позволяет тестировать handler без полного ReconcileService.
type ReconcileRunner interface {
	// RunOnce выполняет один проход сверки.
	// Возвращает результат и флаг "уже выполняется".
	RunOnce(ctx context.Context) (*service.ReconcileReport, bool)
	// IsInProgress возвращает true, если сверка выполняется.
	IsInProgress() bool
}

// AuditLister — чтение журнала аудита.
type AuditLister interface {
	List(photoID string, limit int) ([]audit.Entry, error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	reconciler ReconcileRunner
	journal    AuditLister
	logger     *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(reconciler ReconcileRunner, journal AuditLister, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		reconciler: reconciler,
		journal:    journal,
		logger:     logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Reconcile обрабатывает POST /api/v1/maintenance/reconcile.
// Запускает синхронный проход сверки и возвращает отчёт.
// Если сверка уже выполняется — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler.IsInProgress() {
		apierrors.ReconcileInProgress(w, "Сверка уже выполняется")
		return
	}

	report, inProgress := h.reconciler.RunOnce(r.Context())
	if inProgress {
		apierrors.ReconcileInProgress(w, "Сверка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type auditResponse struct {
	Items []audit.Entry `json:"items"`
}

// ListAudit обрабатывает GET /api/v1/audit.
// Query: photo_id (опционально), limit (по умолчанию 100).
func (h *MaintenanceHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierrors.ValidationError(w, "Параметр 'limit' должен быть положительным целым")
			return
		}
		limit = n
	}

	entries, err := h.journal.List(q.Get("photo_id"), limit)
	if err != nil {
		h.logger.Error("Ошибка чтения журнала аудита", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения журнала аудита")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Items: entries})
}
