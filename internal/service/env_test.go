package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/remote"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/audit"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/filestore"
	"github.com/bigkaa/goartstore/capture-sync/internal/storage/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — сервисы поверх хранилища в памяти и временных директорий.
type testEnv struct {
	store    *memstore.Store
	files    *filestore.FileStore
	journal  *audit.Journal
	tags     *TagStore
	photos   *PhotoService
	resolver *Resolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	store := memstore.New(logger)
	store.SeedCatalog(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	files, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	journal, err := audit.New(t.TempDir(), "test-device", logger)
	if err != nil {
		t.Fatalf("Ошибка создания журнала аудита: %v", err)
	}

	tags := NewTagStore(store.Tags(), logger)
	if err := tags.Load(context.Background()); err != nil {
		t.Fatalf("Ошибка загрузки тегов: %v", err)
	}

	return &testEnv{
		store:    store,
		files:    files,
		journal:  journal,
		tags:     tags,
		photos:   NewPhotoService(store, files, tags, logger),
		resolver: NewResolver(store, tags, journal, logger),
	}
}

// capture сохраняет файл и создаёт запись фотографии.
func (e *testEnv) capture(t *testing.T, userID, projectID string, compliance model.ComplianceStatus) *model.Photo {
	t.Helper()
	saved, err := e.files.Save(bytes.NewReader([]byte("jpeg-"+userID+"-"+time.Now().String())), "site.jpg", userID)
	if err != nil {
		t.Fatalf("Ошибка сохранения файла: %v", err)
	}
	p, err := e.photos.CreatePhoto(context.Background(), CaptureParams{
		FilePath:   saved.StoragePath,
		Compliance: compliance,
		UserID:     userID,
		ProjectID:  projectID,
	})
	if err != nil {
		t.Fatalf("Ошибка создания фотографии: %v", err)
	}
	return p
}

func (e *testEnv) photo(t *testing.T, id string) *model.Photo {
	t.Helper()
	p, err := e.store.Photos().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("Фотография %s не найдена: %v", id, err)
	}
	return p
}

func (e *testEnv) auditKinds(t *testing.T, photoID string) []audit.Kind {
	t.Helper()
	entries, err := e.journal.List(photoID, 0)
	if err != nil {
		t.Fatalf("Ошибка чтения журнала аудита: %v", err)
	}
	kinds := make([]audit.Kind, 0, len(entries))
	for _, en := range entries {
		kinds = append(kinds, en.Kind)
	}
	return kinds
}

func hasKind(kinds []audit.Kind, k audit.Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

var errRemoteMissing = fmt.Errorf("%w: нет снимка", remote.ErrNotFound)

// fakeRemote — сервер синхронизации в памяти: Uploader и RemoteStateFetcher.
type fakeRemote struct {
	mu sync.Mutex
	// errs — ошибки, возвращаемые по очереди; после исчерпания загрузка успешна
	errs      []error
	always    error
	calls     []string
	payloads  []*model.UploadPayload
	snapshots map[string]*model.RemoteSnapshot
	// block — если задан, Upload ждёт закрытия канала
	block    chan struct{}
	inFlight int
	maxSeen  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{snapshots: make(map[string]*model.RemoteSnapshot)}
}

func (f *fakeRemote) Upload(ctx context.Context, p *model.Photo, payload *model.UploadPayload) (*model.UploadReceipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.ID)
	f.payloads = append(f.payloads, payload)
	f.inFlight++
	f.maxSeen = max(f.maxSeen, f.inFlight)
	block := f.block
	var err error
	switch {
	case f.always != nil:
		err = f.always
	case len(f.errs) > 0:
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &model.UploadReceipt{RemoteRef: "remote-" + p.ID}, nil
}

func (f *fakeRemote) FetchRemoteState(_ context.Context, photoID string) (*model.RemoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[photoID]
	if !ok {
		return nil, errRemoteMissing
	}
	return snap, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// recordingPublisher собирает события очереди.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.QueueEvent
}

func (r *recordingPublisher) Publish(e model.QueueEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) statuses(photoID string) []model.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SyncStatus
	for _, e := range r.events {
		if e.PhotoID == photoID {
			out = append(out, e.Status)
		}
	}
	return out
}
