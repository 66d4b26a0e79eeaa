// Пакет filestore — доступ к файлам захваченных фотографий на диске.
// Считает SHA-256 при захвате и сверяет его перед загрузкой:
// повреждённый или пропавший файл — ошибка STORAGE_CORRUPTION.
package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/capture-sync/internal/syncerr"
)

// ErrInvalidPath — путь выходит за пределы директории данных.
var ErrInvalidPath = errors.New("недопустимый путь к файлу")

// FileStore — файлы фотографий в CS_DATA_DIR.
type FileStore struct {
	dataDir string
	// maxReadSize — предел размера файла, читаемого в память для загрузки
	maxReadSize int64
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// StoragePath — относительный путь файла в dataDir
	StoragePath string
	Size        int64
	Checksum    string
}

// FileInfo — размер и SHA-256 существующего файла.
type FileInfo struct {
	StoragePath string
	Size        int64
	Checksum    string
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir, maxReadSize: 64 << 20}, nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// resolve проверяет относительный путь и возвращает абсолютный.
func (fs *FileStore) resolve(storagePath string) (string, error) {
	clean := filepath.Clean(storagePath)
	if storagePath == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, storagePath)
	}
	return filepath.Join(fs.dataDir, clean), nil
}

// Save записывает данные из reader на диск с подсчётом SHA-256 на лету.
// Формат имени: {user}/{timestamp}_{uuid}{ext}.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
func (fs *FileStore) Save(reader io.Reader, originalFilename, userID string) (*SaveResult, error) {
	storagePath := generateStorageName(originalFilename, userID)
	fullPath := filepath.Join(fs.dataDir, storagePath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания директории: %w", err)
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StoragePath: storagePath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Inspect возвращает размер и SHA-256 существующего файла.
// Вызывается при создании записи фотографии.
func (fs *FileStore) Inspect(storagePath string) (*FileInfo, error) {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("файл не найден: %s", storagePath)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", storagePath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s — директория, а не файл", storagePath)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("ошибка вычисления checksum %s: %w", storagePath, err)
	}

	return &FileInfo{
		StoragePath: filepath.Clean(storagePath),
		Size:        info.Size(),
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ReadVerified читает файл фотографии целиком и сверяет SHA-256
// с сохранённым при захвате. Отсутствие, ошибка чтения или несовпадение
// возвращаются как STORAGE_CORRUPTION.
func (fs *FileStore) ReadVerified(photoID, storagePath, checksum string) ([]byte, error) {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return nil, syncerr.New(syncerr.StorageCorruption, photoID, "read", err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, syncerr.New(syncerr.StorageCorruption, photoID, "read", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, hasher), io.LimitReader(f, fs.maxReadSize+1))
	if err != nil {
		return nil, syncerr.New(syncerr.StorageCorruption, photoID, "read", err)
	}
	if n > fs.maxReadSize {
		return nil, syncerr.Newf(syncerr.StorageCorruption, photoID, "read",
			"файл %s больше %d байт", storagePath, fs.maxReadSize)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, checksum) {
		return nil, syncerr.Newf(syncerr.StorageCorruption, photoID, "verify",
			"checksum %s не совпадает с сохранённым %s", actual, checksum)
	}
	return buf.Bytes(), nil
}

// Open открывает файл фотографии для отдачи клиенту.
func (fs *FileStore) Open(storagePath string) (*os.File, error) {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	return os.Open(fullPath)
}

// Entry — файл в директории данных.
type Entry struct {
	StoragePath string
	Size        int64
	ModTime     time.Time
	// Temp — незавершённая запись Save (суффикс .tmp)
	Temp bool
}

// Walk возвращает файлы директории данных. Скрытые файлы пропускаются.
func (fs *FileStore) Walk() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(fs.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != fs.dataDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(fs.dataDir, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			StoragePath: filepath.ToSlash(rel),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			Temp:        strings.HasSuffix(rel, ".tmp"),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("обход директории данных: %w", err)
	}
	return entries, nil
}

// Remove удаляет файл. Отсутствующий файл не считается ошибкой.
func (fs *FileStore) Remove(storagePath string) error {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("удаление файла %s: %w", storagePath, err)
	}
	return nil
}

// CheckReady проверяет, что директория данных доступна.
func (fs *FileStore) CheckReady() (status string, message string) {
	info, err := os.Stat(fs.dataDir)
	if err != nil || !info.IsDir() {
		return "fail", fmt.Sprintf("директория данных недоступна: %v", err)
	}
	return "ok", "директория данных доступна"
}

// Name возвращает имя проверки готовности.
func (fs *FileStore) Name() string {
	return "filestore"
}

// generateStorageName генерирует относительный путь для нового файла.
// Пример: user-1/20260221150405_a1b2c3d4.jpg
func generateStorageName(originalFilename, userID string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if len(ext) > 10 {
		ext = ""
	}
	user := sanitize(userID)
	if len(user) > 40 {
		user = user[:40]
	}
	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]
	return filepath.Join(user, fmt.Sprintf("%s_%s%s", ts, uid, sanitizeExt(ext)))
}

func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	return "." + sanitize(strings.TrimPrefix(ext, "."))
}

// sanitize оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
