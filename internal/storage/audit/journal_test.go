package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию и файл журнала.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")

	j, err := New(dir, "dev-1", testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание журнала, получена ошибка: %v", err)
	}
	if j.Dir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, j.Dir())
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("файл журнала не создан: %v", err)
	}
	if status, _ := j.CheckReady(); status != "ok" {
		t.Errorf("CheckReady: ожидалось ok, получено %s", status)
	}
}

// TestNew_ReadOnlyDir проверяет ошибку при недоступной для записи директории.
func TestNew_ReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root игнорирует права доступа")
	}
	dir := filepath.Join(t.TempDir(), "audit")
	if err := os.MkdirAll(dir, 0o550); err != nil {
		t.Fatalf("не удалось создать директорию: %v", err)
	}

	if _, err := New(dir, "dev-1", testLogger()); err == nil {
		t.Fatal("ожидалась ошибка при недоступной для записи директории")
	}
}

// TestAppendAndList проверяет добавление, фильтр по фото и лимит.
func TestAppendAndList(t *testing.T) {
	j, err := New(t.TempDir(), "dev-1", testLogger())
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}

	e, err := j.Append(Entry{Kind: KindTransientNetwork, PhotoID: "p1", ResultingState: "failed", Message: "timeout"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" || e.Timestamp.IsZero() || e.DeviceID != "dev-1" {
		t.Errorf("поля не заполнены: %+v", e)
	}
	j.Record(KindDeadLetter, "p2", "dead_letter", "попытки исчерпаны")
	j.Record(KindLWWTie, "p1", "synced", "равные метки времени")

	all, err := j.List("", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ожидалось 3 записи, получено %d", len(all))
	}
	if all[0].Kind != KindTransientNetwork || all[2].Kind != KindLWWTie {
		t.Error("записи должны возвращаться в порядке добавления")
	}

	p1, _ := j.List("p1", 0)
	if len(p1) != 2 {
		t.Errorf("фильтр по p1: ожидалось 2, получено %d", len(p1))
	}

	last, _ := j.List("", 1)
	if len(last) != 1 || last[0].Kind != KindLWWTie {
		t.Errorf("limit=1: ожидалась последняя запись, получено %+v", last)
	}
}

// TestList_SkipsTornLine проверяет, что оборванная строка не ломает чтение.
func TestList_SkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	j, _ := New(dir, "dev-1", testLogger())
	j.Record(KindCrashRecovery, "p1", "failed", "прервано")

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("открытие файла: %v", err)
	}
	f.WriteString(`{"id":"x","kind":`)
	f.Close()

	entries, err := j.List("", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ожидалась 1 корректная запись, получено %d", len(entries))
	}
}

// TestConcurrentAppend проверяет, что параллельные записи не перемешиваются.
func TestConcurrentAppend(t *testing.T) {
	j, _ := New(t.TempDir(), "dev-1", testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Record(KindTransientNetwork, "p1", "failed", "timeout")
		}()
	}
	wg.Wait()

	entries, _ := j.List("", 0)
	if len(entries) != 50 {
		t.Errorf("ожидалось 50 записей, получено %d", len(entries))
	}
}

// TestNew_RepairsTornLine проверяет, что после повторного открытия
// новая запись не склеивается с оборванной строкой.
func TestNew_RepairsTornLine(t *testing.T) {
	dir := t.TempDir()
	j, _ := New(dir, "dev-1", testLogger())
	j.Record(KindCrashRecovery, "p1", "failed", "прервано")

	f, _ := os.OpenFile(filepath.Join(dir, FileName), os.O_APPEND|os.O_WRONLY, 0o640)
	f.WriteString(`{"id":"x","kind":`)
	f.Close()

	reopened, err := New(dir, "dev-1", testLogger())
	if err != nil {
		t.Fatalf("повторное открытие: %v", err)
	}
	reopened.Record(KindDeadLetter, "p2", "dead_letter", "попытки исчерпаны")

	entries, _ := reopened.List("", 0)
	if len(entries) != 2 {
		t.Fatalf("ожидалось 2 корректные записи, получено %d", len(entries))
	}
	if entries[1].PhotoID != "p2" {
		t.Errorf("последняя запись должна относиться к p2, получено %q", entries[1].PhotoID)
	}
}

// TestList_DoesNotWaitForAppend проверяет, что чтение журнала
// не ждёт блокировки записи.
func TestList_DoesNotWaitForAppend(t *testing.T) {
	j, _ := New(t.TempDir(), "dev-1", testLogger())
	j.Record(KindDeadLetter, "p1", "dead_letter", "попытки исчерпаны")

	j.mu.Lock()
	defer j.mu.Unlock()

	done := make(chan int, 1)
	go func() {
		entries, _ := j.List("", 0)
		done <- len(entries)
	}()
	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("ожидалась 1 запись, получено %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("List ждёт блокировку записи")
	}
}

// TestList_ConcurrentWithAppend проверяет, что при параллельной записи
// List видит целый префикс журнала без пропусков и обрывов.
func TestList_ConcurrentWithAppend(t *testing.T) {
	j, _ := New(t.TempDir(), "dev-1", testLogger())

	const total = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range total {
			j.Record(KindTransientNetwork, "p1", "failed", strconv.Itoa(i))
		}
	}()

	check := func(entries []Entry) {
		for i, e := range entries {
			if e.Message != strconv.Itoa(i) {
				t.Fatalf("запись %d: ожидалось сообщение %d, получено %q", i, i, e.Message)
			}
		}
	}
	for {
		select {
		case <-done:
			entries, err := j.List("p1", 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(entries) != total {
				t.Fatalf("ожидалось %d записей, получено %d", total, len(entries))
			}
			check(entries)
			return
		default:
			entries, err := j.List("p1", 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			check(entries)
		}
	}
}
