package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// writeAged создаёт файл в директории данных с заданным временем модификации.
func writeAged(t *testing.T, dataDir, rel string, age time.Duration) {
	t.Helper()
	full := filepath.Join(dataDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte("partial"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func exists(t *testing.T, dataDir, rel string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(dataDir, filepath.FromSlash(rel)))
	return err == nil
}

func TestGCRunOnce_NoFilesToProcess(t *testing.T) {
	env := newTestEnv(t)
	gc := NewGCService(env.files, env.store.Photos(), time.Hour, time.Hour, testLogger())

	result := gc.RunOnce(context.Background())

	if result.TempDeleted != 0 || result.OrphansDeleted != 0 {
		t.Errorf("ожидалось 0 удалений, получено temp=%d orphans=%d", result.TempDeleted, result.OrphansDeleted)
	}
	if result.Errors != 0 {
		t.Errorf("Errors: хотели 0, получили %d", result.Errors)
	}
}

func TestGCRunOnce_RemovesStaleFiles(t *testing.T) {
	env := newTestEnv(t)
	dataDir := env.files.DataDir()

	// Файлы, на которые ссылаются записи, не трогаются при любом возрасте
	kept := env.capture(t, "u1", "", model.ComplianceUnknown)
	synced := env.capture(t, "u1", "", model.ComplianceCompliant)
	synced.SyncStatus = model.SyncSynced
	if err := env.store.Photos().Update(context.Background(), synced); err != nil {
		t.Fatalf("Update: %v", err)
	}
	old := 48 * time.Hour
	for _, p := range []*model.Photo{kept, synced} {
		full := filepath.Join(dataDir, filepath.FromSlash(p.StoragePath))
		mtime := time.Now().Add(-old)
		if err := os.Chtimes(full, mtime, mtime); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	writeAged(t, dataDir, "u1/crashed.jpg.tmp", old)
	writeAged(t, dataDir, "u1/fresh.jpg.tmp", time.Minute)
	writeAged(t, dataDir, "u2/orphan.jpg", old)
	writeAged(t, dataDir, "u2/new-capture.jpg", time.Minute)

	gc := NewGCService(env.files, env.store.Photos(), time.Hour, 24*time.Hour, testLogger())
	result := gc.RunOnce(context.Background())

	if result.TempDeleted != 1 {
		t.Errorf("TempDeleted: хотели 1, получили %d", result.TempDeleted)
	}
	if result.OrphansDeleted != 1 {
		t.Errorf("OrphansDeleted: хотели 1, получили %d", result.OrphansDeleted)
	}
	if result.Pending != 2 {
		t.Errorf("Pending: хотели 2, получили %d", result.Pending)
	}
	if result.Errors != 0 {
		t.Errorf("Errors: хотели 0, получили %d", result.Errors)
	}

	for rel, want := range map[string]bool{
		kept.StoragePath:     true,
		synced.StoragePath:   true,
		"u1/crashed.jpg.tmp": false,
		"u1/fresh.jpg.tmp":   true,
		"u2/orphan.jpg":      false,
		"u2/new-capture.jpg": true,
	} {
		if got := exists(t, dataDir, rel); got != want {
			t.Errorf("%s: существует=%v, ожидалось %v", rel, got, want)
		}
	}

	// Повторный запуск ничего не удаляет
	second := gc.RunOnce(context.Background())
	if second.TempDeleted != 0 || second.OrphansDeleted != 0 {
		t.Errorf("повторный GC удалил файлы: temp=%d orphans=%d", second.TempDeleted, second.OrphansDeleted)
	}
}

func TestGCStartStop(t *testing.T) {
	env := newTestEnv(t)
	writeAged(t, env.files.DataDir(), "u1/crashed.jpg.tmp", 48*time.Hour)

	gc := NewGCService(env.files, env.store.Photos(), 10*time.Millisecond, time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for exists(t, env.files.DataDir(), "u1/crashed.jpg.tmp") {
		if time.Now().After(deadline) {
			t.Fatal("GC не удалил временный файл после запуска")
		}
		time.Sleep(10 * time.Millisecond)
	}
	gc.Stop()
}
