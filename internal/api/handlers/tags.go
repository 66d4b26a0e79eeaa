// tags.go — HTTP handlers тегов: рекомендации, пользовательские теги, счётчики.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/capture-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
)

// TagHandler — обработчик endpoints тегов.
type TagHandler struct {
	tags        *service.TagStore
	recommender *service.Recommender
	logger      *slog.Logger
}

// NewTagHandler создаёт обработчик endpoints тегов.
func NewTagHandler(tags *service.TagStore, recommender *service.Recommender, logger *slog.Logger) *TagHandler {
	return &TagHandler{
		tags:        tags,
		recommender: recommender,
		logger:      logger.With(slog.String("component", "tags_handler")),
	}
}

type recommendationsResponse struct {
	UserID    string                   `json:"user_id"`
	ProjectID string                   `json:"project_id,omitempty"`
	Items     []service.RecommendedTag `json:"items"`
}

// Recommendations обрабатывает GET /api/v1/tags/recommendations.
// Query: user_id (если нет JWT), project_id (иначе из токена), limit.
func (h *TagHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierrors.ValidationError(w, "Параметр 'limit' должен быть положительным целым")
			return
		}
		limit = n
	}

	userID := userFrom(r, q.Get("user_id"))
	projectID := projectFrom(r, q.Get("project_id"))

	items, err := h.recommender.Recommend(r.Context(), userID, projectID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if items == nil {
		items = []service.RecommendedTag{}
	}
	writeJSON(w, http.StatusOK, recommendationsResponse{UserID: userID, ProjectID: projectID, Items: items})
}

type createTagRequest struct {
	Name     string            `json:"name"`
	Category model.TagCategory `json:"category,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
}

// CreateTag обрабатывает POST /api/v1/tags.
func (h *TagHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req createTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tag, err := h.tags.CreateTag(r.Context(), req.Name, req.Category, userFrom(r, req.UserID))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

type recordUsageRequest struct {
	Scope     model.TagScope `json:"scope"`
	UserID    string         `json:"user_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
}

type usageResponse struct {
	TagID   string             `json:"tag_id"`
	Scope   model.TagScope     `json:"scope"`
	Counter model.UsageCounter `json:"counter"`
}

// RecordUsage обрабатывает POST /api/v1/tags/{id}/usage.
func (h *TagHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tagID := chi.URLParam(r, "id")
	actor := model.ActorContext{UserID: userFrom(r, req.UserID), ProjectID: projectFrom(r, req.ProjectID)}
	counter, err := h.tags.RecordUsage(r.Context(), tagID, req.Scope, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{TagID: tagID, Scope: req.Scope, Counter: counter})
}
