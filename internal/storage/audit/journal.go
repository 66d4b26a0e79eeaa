// Пакет audit — append-only журнал аудита конвейера синхронизации.
// Каждая запись — строка JSON в файле audit.jsonl в CS_AUDIT_DIR.
// Записи не изменяются и не удаляются.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FileName — имя файла журнала.
const FileName = "audit.jsonl"

// Kind — вид события аудита. Для ошибок совпадает с видом syncerr.
type Kind string

const (
	KindTransientNetwork     Kind = "TRANSIENT_NETWORK"
	KindPermanentValidation  Kind = "PERMANENT_VALIDATION"
	KindMalformedRemoteState Kind = "MALFORMED_REMOTE_STATE"
	KindStorageCorruption    Kind = "STORAGE_CORRUPTION"
	KindConcurrency          Kind = "CONCURRENCY_VIOLATION"
	// KindLWWTie — равные метки времени, победило значение сервера
	KindLWWTie Kind = "LWW_TIE_SERVER_WINS"
	// KindDeadLetter — фотография переведена в dead_letter
	KindDeadLetter Kind = "DEAD_LETTER"
	// KindDeadLetterRetry — ручной повтор из dead_letter
	KindDeadLetterRetry Kind = "DEAD_LETTER_RETRY"
	// KindCrashRecovery — загрузка прервана остановкой процесса
	KindCrashRecovery Kind = "CRASH_RECOVERY"
	// KindMergeWarning — слияние после загрузки не выполнено
	KindMergeWarning Kind = "MERGE_WARNING"
)

// Entry — запись журнала аудита.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	PhotoID   string    `json:"photo_id,omitempty"`
	Kind      Kind      `json:"kind"`
	// ResultingState — статус фотографии после события
	ResultingState string `json:"resulting_state,omitempty"`
	Message        string `json:"message"`
}

// Journal — файловый журнал аудита.
type Journal struct {
	dir      string
	deviceID string
	mu       sync.Mutex // сериализует Append
	// size — длина файла, занятая целиком записанными строками;
	// List читает только её и не берёт mu
	size   atomic.Int64
	now    func() time.Time
	logger   *slog.Logger
}

// New открывает журнал в директории dir. Создаёт директорию,
// если она не существует, и проверяет доступность на запись.
func New(dir, deviceID string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию аудита %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("журнал аудита в %s недоступен для записи: %w", dir, err)
	}
	// Оборванная при сбое последняя строка закрывается переводом строки,
	// чтобы следующая запись начиналась с новой строки.
	if torn, err := endsWithoutNewline(path); err == nil && torn {
		f.Write([]byte{'\n'}) //nolint:errcheck // ошибка проявится при следующей записи
	}
	f.Close()

	j := &Journal{
		dir:      dir,
		deviceID: deviceID,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "audit")),
	}
	j.resync()
	return j, nil
}

// resync перечитывает размер журнала с диска.
func (j *Journal) resync() {
	if info, err := os.Stat(filepath.Join(j.dir, FileName)); err == nil {
		j.size.Store(info.Size())
	}
}

// Dir возвращает директорию журнала.
func (j *Journal) Dir() string {
	return j.dir
}

// Append дописывает запись в конец журнала и выполняет fsync.
// ID, Timestamp и DeviceID заполняются, если не заданы.
func (j *Journal) Append(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}
	if e.DeviceID == "" {
		e.DeviceID = j.deviceID
	}

	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("ошибка сериализации записи аудита: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(j.dir, FileName), os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return e, fmt.Errorf("ошибка открытия журнала аудита: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		j.resync()
		return e, fmt.Errorf("ошибка записи в журнал аудита: %w", err)
	}
	// fsync: запись аудита должна пережить сбой процесса
	if err := f.Sync(); err != nil {
		f.Close()
		j.resync()
		return e, fmt.Errorf("ошибка fsync журнала аудита: %w", err)
	}
	if err := f.Close(); err != nil {
		j.resync()
		return e, fmt.Errorf("ошибка закрытия журнала аудита: %w", err)
	}
	j.size.Add(int64(len(line)))

	j.logger.Debug("Запись аудита",
		slog.String("kind", string(e.Kind)),
		slog.String("photo_id", e.PhotoID),
		slog.String("resulting_state", e.ResultingState),
	)
	return e, nil
}

// Record дописывает запись, а ошибку записи только логирует.
// Используется там, где сбой аудита не должен прерывать синхронизацию.
func (j *Journal) Record(kind Kind, photoID, resultingState, message string) {
	_, err := j.Append(Entry{
		Kind:           kind,
		PhotoID:        photoID,
		ResultingState: resultingState,
		Message:        message,
	})
	if err != nil {
		j.logger.Error("Не удалось записать событие аудита",
			slog.String("kind", string(kind)),
			slog.String("photo_id", photoID),
			slog.String("error", err.Error()),
		)
	}
}

// List возвращает записи журнала в порядке добавления.
// Пустой photoID — все записи. limit <= 0 — без ограничения (последние limit записей).
// Повреждённые строки (например, обрыв записи при сбое) пропускаются.
// Чтение идёт параллельно с Append: видны записи, завершённые до вызова.
func (j *Journal) List(photoID string, limit int) ([]Entry, error) {
	size := j.size.Load()

	f, err := os.Open(filepath.Join(j.dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия журнала аудита: %w", err)
	}
	defer f.Close()

	var result []Entry
	scanner := bufio.NewScanner(io.LimitReader(f, size))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			j.logger.Warn("Повреждённая запись журнала аудита пропущена",
				slog.Int("line", lineNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		if photoID != "" && e.PhotoID != photoID {
			continue
		}
		result = append(result, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала аудита: %w", err)
	}

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// CheckReady проверяет доступность журнала для записи.
func (j *Journal) CheckReady() (status string, message string) {
	f, err := os.OpenFile(filepath.Join(j.dir, FileName), os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return "fail", fmt.Sprintf("журнал аудита недоступен: %v", err)
	}
	f.Close()
	return "ok", "журнал доступен для записи"
}

func endsWithoutNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Name возвращает имя проверки готовности.
func (j *Journal) Name() string {
	return "audit"
}
