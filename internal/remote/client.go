// Пакет remote — HTTP-клиент сервера синхронизации.
// Поддерживает TLS с кастомным CA (CS_REMOTE_CA_CERT).
// Операции: Upload (POST /api/v1/photos, multipart) и
// FetchRemoteState (GET /api/v1/photos/{id}/state).
//
// Все ошибки классифицируются по syncerr: 400/409/413/415/422 —
// PERMANENT_VALIDATION, всё остальное — TRANSIENT_NETWORK.
// Ответы проверяются по встроенной OpenAPI-схеме; несоответствие —
// MALFORMED_REMOTE_STATE.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

// ErrNotFound — запись отсутствует на сервере.
var ErrNotFound = errors.New("запись не найдена на сервере")

// maxResponseSize — предел тела ответа сервера.
const maxResponseSize = 8 << 20

// Config — параметры клиента.
type Config struct {
	BaseURL    string
	CACertPath string
	// Token — статический bearer-токен (пусто — без авторизации)
	Token   string
	Timeout time.Duration
}

// Client — HTTP-клиент сервера синхронизации.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	schemas    *schemas
	logger     *slog.Logger
}

// New создаёт клиент.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	if cfg.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата сервера синхронизации: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		logger.Info("CA-сертификат сервера синхронизации добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	s, err := loadSchemas()
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		schemas:    s,
		logger:     logger.With(slog.String("component", "remote_client")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит PEM-сертификатов", caCertPath)
	}
	return &tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12}, nil
}

// BaseURL возвращает адрес сервера синхронизации.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// uploadMetadata — часть metadata multipart-запроса.
type uploadMetadata struct {
	Photo        *model.Photo                 `json:"photo"`
	Associations []*model.PhotoTagAssociation `json:"associations"`
	UsageDeltas  []model.UsageDelta           `json:"usage_deltas"`
}

// receiptEnvelope — ответ на загрузку со снимком в сыром виде.
type receiptEnvelope struct {
	RemoteRef string          `json:"remote_ref"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// Upload загружает фотографию с метаданными.
func (c *Client) Upload(ctx context.Context, photo *model.Photo, payload *model.UploadPayload) (*model.UploadReceipt, error) {
	const op = "upload"

	body, contentType, err := encodeUpload(photo, payload)
	if err != nil {
		return nil, syncerr.New(syncerr.PermanentValidation, photo.ID, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/photos", body)
	if err != nil {
		return nil, syncerr.New(syncerr.PermanentValidation, photo.ID, op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", photo.ID)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.ClassifyTransport(photo.ID, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, syncerr.ClassifyTransport(photo.ID, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(photo.ID, op, resp.StatusCode, data)
	}

	if err := validate(c.schemas.receipt, data); err != nil {
		// Снимок может быть повреждён при корректной ссылке: проверяем ссылку отдельно
		var env receiptEnvelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.RemoteRef == "" {
			return nil, syncerr.New(syncerr.MalformedRemoteState, photo.ID, op, err)
		}
		c.logger.Warn("Снимок в ответе на загрузку не прошёл проверку схемы, будет запрошен отдельно",
			slog.String("photo_id", photo.ID),
			slog.String("error", err.Error()),
		)
		return &model.UploadReceipt{RemoteRef: env.RemoteRef}, nil
	}

	var receipt model.UploadReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, syncerr.New(syncerr.MalformedRemoteState, photo.ID, op, err)
	}

	c.logger.Debug("Фотография загружена",
		slog.String("photo_id", photo.ID),
		slog.String("remote_ref", receipt.RemoteRef),
		slog.Int("status", resp.StatusCode),
	)
	return &receipt, nil
}

// encodeUpload формирует multipart-тело: metadata (JSON) и file.
func encodeUpload(photo *model.Photo, payload *model.UploadPayload) (*bytes.Buffer, string, error) {
	meta, err := json.Marshal(uploadMetadata{
		Photo:        photo,
		Associations: payload.Associations,
		UsageDeltas:  payload.UsageDeltas,
	})
	if err != nil {
		return nil, "", fmt.Errorf("сериализация метаданных: %w", err)
	}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("metadata", string(meta)); err != nil {
		return nil, "", fmt.Errorf("запись metadata: %w", err)
	}
	fw, err := w.CreateFormFile("file", photo.ID+".jpg")
	if err != nil {
		return nil, "", fmt.Errorf("создание части file: %w", err)
	}
	if _, err := fw.Write(payload.Content); err != nil {
		return nil, "", fmt.Errorf("запись части file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("завершение multipart: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

// FetchRemoteState запрашивает текущее состояние записи на сервере.
// 404 — ErrNotFound.
func (c *Client) FetchRemoteState(ctx context.Context, photoID string) (*model.RemoteSnapshot, error) {
	const op = "fetch_state"

	reqURL := c.baseURL + "/api/v1/photos/" + url.PathEscape(photoID) + "/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.PermanentValidation, photoID, op, err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.ClassifyTransport(photoID, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, syncerr.ClassifyTransport(photoID, op, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, photoID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(photoID, op, resp.StatusCode, data)
	}

	if err := validate(c.schemas.snapshot, data); err != nil {
		return nil, syncerr.New(syncerr.MalformedRemoteState, photoID, op, err)
	}
	var snap model.RemoteSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, syncerr.New(syncerr.MalformedRemoteState, photoID, op, err)
	}
	return &snap, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus переводит неуспешный HTTP-статус в ошибку syncerr.
func classifyStatus(photoID, op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("сервер вернул статус %d: %s", status, msg)

	switch status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return syncerr.New(syncerr.PermanentValidation, photoID, op, err)
	default:
		return syncerr.New(syncerr.TransientNetwork, photoID, op, err)
	}
}
