// system.go — обработчик GET /api/v1/info (информация об устройстве).
package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/capture-sync/internal/config"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg      *config.Config
	queue    *service.QueueManager
	tags     *service.TagStore
	analyzer Analyzer
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(cfg *config.Config, queue *service.QueueManager, tags *service.TagStore, analyzer Analyzer) *SystemHandler {
	return &SystemHandler{cfg: cfg, queue: queue, tags: tags, analyzer: analyzer}
}

type infoResponse struct {
	DeviceID       string `json:"device_id"`
	Version        string `json:"version"`
	StorageBackend string `json:"storage_backend"`
	RemoteURL      string `json:"remote_url"`
	QueuePaused    bool   `json:"queue_paused"`
	QueueLength    int    `json:"queue_length"`
	InFlight       int    `json:"in_flight"`
	Tags           int    `json:"tags"`
	AIEnabled      bool   `json:"ai_enabled"`
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	snap := h.queue.Snapshot()
	writeJSON(w, http.StatusOK, infoResponse{
		DeviceID:       h.cfg.DeviceID,
		Version:        config.Version,
		StorageBackend: h.cfg.StorageBackend,
		RemoteURL:      h.cfg.RemoteURL,
		QueuePaused:    snap.Paused,
		QueueLength:    len(snap.Items),
		InFlight:       snap.InFlight,
		Tags:           len(h.tags.Tags()),
		AIEnabled:      h.analyzer != nil,
	})
}
