// photos.go — HTTP handlers записей фотографий: захват, просмотр,
// оценка соответствия, теги и AI-анализ.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/capture-sync/internal/analysis"
	apierrors "github.com/bigkaa/goartstore/capture-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/filestore"
)

// maxUploadSize — предел размера файла в multipart-запросе захвата.
const maxUploadSize = 64 << 20

// Analyzer — AI-анализ фотографии.
type Analyzer interface {
	Analyze(ctx context.Context, photoID string) (*analysis.Result, error)
}

// PhotoHandler — обработчик endpoints фотографий.
type PhotoHandler struct {
	photos   *service.PhotoService
	queue    *service.QueueManager
	files    *filestore.FileStore
	analyzer Analyzer
	logger   *slog.Logger
}

// NewPhotoHandler создаёт обработчик endpoints фотографий.
// analyzer может быть nil: /analyze отвечает 503.
func NewPhotoHandler(
	photos *service.PhotoService,
	queue *service.QueueManager,
	files *filestore.FileStore,
	analyzer Analyzer,
	logger *slog.Logger,
) *PhotoHandler {
	return &PhotoHandler{
		photos:   photos,
		queue:    queue,
		files:    files,
		analyzer: analyzer,
		logger:   logger.With(slog.String("component", "photos_handler")),
	}
}

type createPhotoRequest struct {
	FilePath   string                 `json:"file_path"`
	CapturedAt *time.Time             `json:"captured_at,omitempty"`
	Location   *model.GeoPoint        `json:"location,omitempty"`
	Compliance model.ComplianceStatus `json:"compliance_status,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	ProjectID  string                 `json:"project_id,omitempty"`
	// Priority — пусто означает приоритет по статусу соответствия
	Priority model.PriorityTier `json:"priority,omitempty"`
}

type createPhotoResponse struct {
	Photo       *model.Photo       `json:"photo"`
	QueueStatus *model.QueueStatus `json:"queue_status"`
}

// CreatePhoto обрабатывает POST /api/v1/photos.
// JSON: файл уже лежит в CS_DATA_DIR (file_path).
// Multipart: поле file (обязательно) и поле metadata (JSON, опционально).
// Запись создаётся в статусе pending и сразу ставится в очередь.
func (h *PhotoHandler) CreatePhoto(w http.ResponseWriter, r *http.Request) {
	var req createPhotoRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if !h.readMultipart(w, r, &req) {
			return
		}
	} else if !decodeJSON(w, r, &req) {
		return
	}

	params := service.CaptureParams{
		FilePath:   req.FilePath,
		Location:   req.Location,
		Compliance: req.Compliance,
		UserID:     userFrom(r, req.UserID),
		ProjectID:  projectFrom(r, req.ProjectID),
	}
	if req.CapturedAt != nil {
		params.CapturedAt = *req.CapturedAt
	}
	if params.FilePath == "" {
		apierrors.ValidationError(w, "Поле 'file_path' или файл обязательны")
		return
	}

	photo, err := h.photos.CreatePhoto(r.Context(), params)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	tier := req.Priority
	if tier == "" {
		tier = photo.Priority
	}
	status, err := h.queue.Enqueue(r.Context(), photo.ID, tier)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, createPhotoResponse{Photo: photo, QueueStatus: status})
}

// readMultipart сохраняет файл из multipart-запроса и заполняет req.
func (h *PhotoHandler) readMultipart(w http.ResponseWriter, r *http.Request, req *createPhotoRequest) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Файл превышает %d байт", maxUploadSize))
			return false
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return false
	}

	if meta := r.FormValue("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), req); err != nil {
			apierrors.ValidationError(w, "Некорректный JSON в поле 'metadata': "+err.Error())
			return false
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return false
	}
	defer file.Close()

	saved, err := h.files.Save(file, header.Filename, userFrom(r, req.UserID))
	if err != nil {
		h.logger.Error("Ошибка сохранения файла фотографии", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка сохранения файла")
		return false
	}
	req.FilePath = saved.StoragePath
	return true
}

// GetPhoto обрабатывает GET /api/v1/photos/{id}.
func (h *PhotoHandler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	details, err := h.photos.GetDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

type updatePhotoRequest struct {
	Compliance *model.ComplianceStatus `json:"compliance_status"`
}

// UpdatePhoto обрабатывает PATCH /api/v1/photos/{id}.
// Изменяемое поле одно — compliance_status.
func (h *PhotoHandler) UpdatePhoto(w http.ResponseWriter, r *http.Request) {
	var req updatePhotoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Compliance == nil {
		apierrors.ValidationError(w, "Необходимо указать compliance_status")
		return
	}

	photo, err := h.photos.UpdateCompliance(r.Context(), chi.URLParam(r, "id"), *req.Compliance)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, photo)
}

type applyTagRequest struct {
	TagID     string `json:"tag_id"`
	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// ApplyTag обрабатывает POST /api/v1/photos/{id}/tags.
func (h *PhotoHandler) ApplyTag(w http.ResponseWriter, r *http.Request) {
	var req applyTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TagID == "" {
		apierrors.ValidationError(w, "Поле 'tag_id' обязательно")
		return
	}

	actor := model.ActorContext{UserID: userFrom(r, req.UserID), ProjectID: projectFrom(r, req.ProjectID)}
	assoc, err := h.photos.ApplyTag(r.Context(), chi.URLParam(r, "id"), req.TagID, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, assoc)
}

// RemoveTag обрабатывает DELETE /api/v1/photos/{id}/tags/{tagID}.
func (h *PhotoHandler) RemoveTag(w http.ResponseWriter, r *http.Request) {
	if err := h.photos.RemoveTag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tagID")); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type suggestedTagsRequest struct {
	Source      model.AssociationSource `json:"source,omitempty"`
	Suggestions []service.Suggestion    `json:"suggestions"`
}

type associationsResponse struct {
	Items []*model.PhotoTagAssociation `json:"items"`
}

// ApplySuggestedTags обрабатывает POST /api/v1/photos/{id}/suggested-tags.
func (h *PhotoHandler) ApplySuggestedTags(w http.ResponseWriter, r *http.Request) {
	var req suggestedTagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	applied, err := h.photos.ApplySuggestedTags(r.Context(), chi.URLParam(r, "id"), req.Suggestions, req.Source)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if applied == nil {
		applied = []*model.PhotoTagAssociation{}
	}
	writeJSON(w, http.StatusOK, associationsResponse{Items: applied})
}

// Analyze обрабатывает POST /api/v1/photos/{id}/analyze.
func (h *PhotoHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		apierrors.Unavailable(w, analysis.ErrDisabled.Error())
		return
	}
	result, err := h.analyzer.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Content обрабатывает GET /api/v1/photos/{id}/content.
// http.ServeContent обрабатывает Range (206) и If-None-Match (304 по ETag).
func (h *PhotoHandler) Content(w http.ResponseWriter, r *http.Request) {
	photo, err := h.photos.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	file, err := h.files.Open(photo.StoragePath)
	if err != nil {
		h.logger.Error("Файл фотографии не найден на диске",
			slog.String("photo_id", photo.ID),
			slog.String("storage_path", photo.StoragePath),
			slog.String("error", err.Error()),
		)
		apierrors.NotFound(w, fmt.Sprintf("Файл фотографии %s не найден на диске", photo.ID))
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		h.logger.Error("Ошибка получения stat файла",
			slog.String("photo_id", photo.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}

	name := path.Base(photo.StoragePath)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Header().Set("ETag", fmt.Sprintf("%q", photo.Checksum))
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, name, stat.ModTime(), file)
}
