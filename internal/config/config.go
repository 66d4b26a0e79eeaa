// Пакет config — загрузка и валидация конфигурации capture-sync
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения CS_STORAGE_BACKEND.
const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Допустимые значения CS_AI_PROVIDER.
const (
	AIProviderNone        = "none"
	AIProviderRekognition = "rekognition"
)

// Config содержит все параметры конфигурации capture-sync.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Идентификатор установки (устройства или инстанса)
	DeviceID string
	// Директория с захваченными фотографиями
	DataDir string
	// Директория журнала аудита
	AuditDir string

	// Хранилище записей: postgres или memory
	StorageBackend string
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
	DBSSLMode      string

	// Базовый URL удалённого сервера синхронизации
	RemoteURL string
	// Путь к CA-сертификату удалённого сервера (опционально)
	RemoteCACert string
	// Статический bearer-токен для удалённого сервера (опционально)
	RemoteToken string

	// Параметры очереди
	MaxConcurrentUploads int
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	UploadTimeout        time.Duration
	QueuePollInterval    time.Duration

	// Периодическая сверка с сервером
	ReconcileInterval time.Duration
	ReconcilePageSize int

	// Очистка директории данных: интервал и возраст временных и ничейных файлов
	GCInterval time.Duration
	GCMaxAge   time.Duration

	// Кэш рекомендаций
	RecommendCacheSize int
	RecommendCacheTTL  time.Duration

	// Redis для межпроцессной аренды загрузок (пустой адрес — аренда в памяти)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LeaseTTL      time.Duration

	// AI-анализ фотографий
	AIProvider      string
	AWSRegion       string
	AIMinConfidence float64

	// URL JWKS endpoint (пустой — API без аутентификации)
	JWKSUrl   string
	JWTLeeway time.Duration
	// Origin браузерных клиентов потока событий, кроме своего хоста
	EventsAllowedOrigins []string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	ShutdownTimeout        time.Duration
	DephealthGroup         string
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// CS_PORT — порт HTTP-сервера (по умолчанию 8030)
	port, err := getEnvInt("CS_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("CS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("CS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// CS_DEVICE_ID — обязательный
	cfg.DeviceID, err = getEnvRequired("CS_DEVICE_ID")
	if err != nil {
		return nil, err
	}

	// CS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("CS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// CS_AUDIT_DIR — обязательный
	cfg.AuditDir, err = getEnvRequired("CS_AUDIT_DIR")
	if err != nil {
		return nil, err
	}
	// Журнал внутри директории данных был бы удалён GC как ничейный файл
	if rel, relErr := filepath.Rel(cfg.DataDir, cfg.AuditDir); relErr == nil && filepath.IsLocal(rel) {
		return nil, fmt.Errorf("CS_AUDIT_DIR: %q не может находиться внутри CS_DATA_DIR", cfg.AuditDir)
	}

	// CS_STORAGE_BACKEND — хранилище записей (по умолчанию postgres)
	cfg.StorageBackend = getEnvDefault("CS_STORAGE_BACKEND", StorageBackendPostgres)
	if cfg.StorageBackend != StorageBackendPostgres && cfg.StorageBackend != StorageBackendMemory {
		return nil, fmt.Errorf("CS_STORAGE_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.StorageBackend)
	}

	if cfg.StorageBackend == StorageBackendPostgres {
		if err := loadDatabase(cfg); err != nil {
			return nil, err
		}
	}

	// CS_REMOTE_URL — обязательный
	cfg.RemoteURL, err = getEnvRequired("CS_REMOTE_URL")
	if err != nil {
		return nil, err
	}
	cfg.RemoteURL = strings.TrimRight(cfg.RemoteURL, "/")
	if !strings.HasPrefix(cfg.RemoteURL, "http://") && !strings.HasPrefix(cfg.RemoteURL, "https://") {
		return nil, fmt.Errorf("CS_REMOTE_URL: ожидается http:// или https:// URL, получено %q", cfg.RemoteURL)
	}
	cfg.RemoteCACert = getEnvDefault("CS_REMOTE_CA_CERT", "")
	cfg.RemoteToken = getEnvDefault("CS_REMOTE_TOKEN", "")

	if err := loadQueue(cfg); err != nil {
		return nil, err
	}

	// CS_RECONCILE_INTERVAL — интервал сверки (по умолчанию 30m)
	cfg.ReconcileInterval, err = getEnvDuration("CS_RECONCILE_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcilePageSize, err = getEnvInt("CS_RECONCILE_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("CS_RECONCILE_PAGE_SIZE: %w", err)
	}
	if cfg.ReconcilePageSize <= 0 {
		return nil, fmt.Errorf("CS_RECONCILE_PAGE_SIZE: значение должно быть положительным")
	}

	// CS_GC_INTERVAL — интервал очистки директории данных (по умолчанию 1h)
	cfg.GCInterval, err = getEnvDuration("CS_GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CS_GC_INTERVAL: %w", err)
	}
	if cfg.GCInterval <= 0 {
		return nil, fmt.Errorf("CS_GC_INTERVAL: значение должно быть положительным")
	}
	cfg.GCMaxAge, err = getEnvDuration("CS_GC_MAX_AGE", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CS_GC_MAX_AGE: %w", err)
	}

	cfg.RecommendCacheSize, err = getEnvInt("CS_RECOMMEND_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("CS_RECOMMEND_CACHE_SIZE: %w", err)
	}
	if cfg.RecommendCacheSize <= 0 {
		return nil, fmt.Errorf("CS_RECOMMEND_CACHE_SIZE: значение должно быть положительным")
	}
	cfg.RecommendCacheTTL, err = getEnvDuration("CS_RECOMMEND_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_RECOMMEND_CACHE_TTL: %w", err)
	}

	// CS_REDIS_* — опционально, включает общую аренду загрузок
	cfg.RedisAddr = getEnvDefault("CS_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("CS_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("CS_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("CS_REDIS_DB: %w", err)
	}
	cfg.LeaseTTL, err = getEnvDuration("CS_LEASE_TTL", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_LEASE_TTL: %w", err)
	}
	if cfg.LeaseTTL <= cfg.UploadTimeout {
		return nil, fmt.Errorf("CS_LEASE_TTL: значение %s должно быть больше CS_UPLOAD_TIMEOUT (%s)",
			cfg.LeaseTTL, cfg.UploadTimeout)
	}

	if err := loadAI(cfg); err != nil {
		return nil, err
	}

	cfg.JWKSUrl = getEnvDefault("CS_JWKS_URL", "")
	cfg.JWTLeeway, err = getEnvDuration("CS_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_JWT_LEEWAY: %w", err)
	}

	// CS_EVENTS_ALLOWED_ORIGINS — через запятую, "*" разрешает любой Origin
	for _, o := range strings.Split(getEnvDefault("CS_EVENTS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o == "" {
			continue
		}
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return nil, fmt.Errorf("CS_EVENTS_ALLOWED_ORIGINS: ожидается http(s) origin или *, получено %q", o)
		}
		cfg.EventsAllowedOrigins = append(cfg.EventsAllowedOrigins, o)
	}

	// CS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CS_LOG_LEVEL: %w", err)
	}

	// CS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("CS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.DephealthGroup = getEnvDefault("CS_DEPHEALTH_GROUP", "capture-sync")
	cfg.DephealthCheckInterval, err = getEnvDuration("CS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// loadDatabase читает параметры подключения к PostgreSQL.
func loadDatabase(cfg *Config) error {
	var err error
	cfg.DBHost = getEnvDefault("CS_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("CS_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("CS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("CS_DB_NAME", "capture_sync")
	cfg.DBUser = getEnvDefault("CS_DB_USER", "capture_sync")

	// CS_DB_PASSWORD — обязательный для postgres
	cfg.DBPassword, err = getEnvRequired("CS_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("CS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("CS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadQueue читает параметры очереди загрузок и политики повторов.
func loadQueue(cfg *Config) error {
	var err error

	cfg.MaxConcurrentUploads, err = getEnvInt("CS_MAX_CONCURRENT_UPLOADS", 3)
	if err != nil {
		return fmt.Errorf("CS_MAX_CONCURRENT_UPLOADS: %w", err)
	}
	if cfg.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("CS_MAX_CONCURRENT_UPLOADS: значение должно быть положительным")
	}

	cfg.MaxAttempts, err = getEnvInt("CS_MAX_ATTEMPTS", 8)
	if err != nil {
		return fmt.Errorf("CS_MAX_ATTEMPTS: %w", err)
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("CS_MAX_ATTEMPTS: значение должно быть положительным")
	}

	cfg.RetryBaseDelay, err = getEnvDuration("CS_RETRY_BASE_DELAY", 5*time.Second)
	if err != nil {
		return fmt.Errorf("CS_RETRY_BASE_DELAY: %w", err)
	}
	if cfg.RetryBaseDelay <= 0 {
		return fmt.Errorf("CS_RETRY_BASE_DELAY: значение должно быть положительным")
	}

	cfg.RetryMaxDelay, err = getEnvDuration("CS_RETRY_MAX_DELAY", 15*time.Minute)
	if err != nil {
		return fmt.Errorf("CS_RETRY_MAX_DELAY: %w", err)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("CS_RETRY_MAX_DELAY: значение %s должно быть >= CS_RETRY_BASE_DELAY (%s)",
			cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}

	cfg.UploadTimeout, err = getEnvDuration("CS_UPLOAD_TIMEOUT", 60*time.Second)
	if err != nil {
		return fmt.Errorf("CS_UPLOAD_TIMEOUT: %w", err)
	}
	if cfg.UploadTimeout <= 0 {
		return fmt.Errorf("CS_UPLOAD_TIMEOUT: значение должно быть положительным")
	}

	cfg.QueuePollInterval, err = getEnvDuration("CS_QUEUE_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return fmt.Errorf("CS_QUEUE_POLL_INTERVAL: %w", err)
	}
	return nil
}

// loadAI читает параметры адаптера AI-анализа.
func loadAI(cfg *Config) error {
	var err error
	cfg.AIProvider = getEnvDefault("CS_AI_PROVIDER", AIProviderNone)
	if cfg.AIProvider != AIProviderNone && cfg.AIProvider != AIProviderRekognition {
		return fmt.Errorf("CS_AI_PROVIDER: недопустимое значение %q, допустимые: none, rekognition", cfg.AIProvider)
	}
	cfg.AWSRegion = getEnvDefault("CS_AWS_REGION", "")
	if cfg.AIProvider == AIProviderRekognition && cfg.AWSRegion == "" {
		return fmt.Errorf("CS_AWS_REGION: обязателен при CS_AI_PROVIDER=rekognition")
	}
	cfg.AIMinConfidence, err = getEnvFloat("CS_AI_MIN_CONFIDENCE", 0.6)
	if err != nil {
		return fmt.Errorf("CS_AI_MIN_CONFIDENCE: %w", err)
	}
	if cfg.AIMinConfidence < 0 || cfg.AIMinConfidence > 1 {
		return fmt.Errorf("CS_AI_MIN_CONFIDENCE: значение %v вне диапазона [0, 1]", cfg.AIMinConfidence)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для меток метрик).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(c.DBUser),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
