package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

func TestTagStore_LoadCatalog(t *testing.T) {
	env := newTestEnv(t)

	if got := len(env.tags.Tags()); got != len(model.IndustryCatalog) {
		t.Fatalf("Ожидалось %d тегов каталога, получено %d", len(model.IndustryCatalog), got)
	}
	c, ok := env.tags.Usage("ind-ppe", model.UsageKey{Scope: model.ScopeIndustry})
	if !ok || c.Count != 90 || c.SyncedCount != 90 {
		t.Errorf("industry-счётчик PPE: %+v", c)
	}
	if _, err := env.tags.GetTag("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTag неизвестного тега: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestTagStore_CreateTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tag, err := env.tags.CreateTag(ctx, "Rebar Exposure", "", "u1")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if !tag.Custom || tag.Category != model.CategoryCustom || tag.CreatedBy != "u1" {
		t.Errorf("неверные поля тега: %+v", tag)
	}

	tests := []struct {
		name    string
		tagName string
		user    string
		wantErr error
	}{
		{"повтор у того же автора", "rebar  exposure", "u1", ErrConflict},
		{"совпадение с каталогом", "hard-hat", "u2", ErrConflict},
		{"пустое имя", "   ", "u1", ErrValidation},
		{"без автора", "Something", "", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.tags.CreateTag(ctx, tt.tagName, "", tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ожидалась %v, получено %v", tt.wantErr, err)
			}
		})
	}

	// Другой автор может создать тег с тем же именем
	if _, err := env.tags.CreateTag(ctx, "Rebar Exposure", "", "u2"); err != nil {
		t.Errorf("тег другого автора с тем же именем: %v", err)
	}
}

func TestTagStore_RecordUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := model.ActorContext{UserID: "u1", ProjectID: "site-a"}

	before := env.tags.Version()
	for range 3 {
		if _, err := env.tags.RecordUsage(ctx, "ind-ppe", model.ScopePersonal, actor); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	c, _ := env.tags.Usage("ind-ppe", model.UsageKey{Scope: model.ScopePersonal, OwnerID: "u1"})
	if c.Count != 3 || c.SyncedCount != 0 || c.LastUsedAt.IsZero() {
		t.Errorf("личный счётчик: %+v", c)
	}
	if env.tags.Version() <= before {
		t.Error("версия должна расти после изменения счётчика")
	}

	if _, err := env.tags.RecordUsage(ctx, "ind-ppe", model.ScopeProject, model.ActorContext{UserID: "u1"}); !errors.Is(err, ErrValidation) {
		t.Errorf("project без project_id: ожидалась ErrValidation, получено %v", err)
	}
	if _, err := env.tags.RecordUsage(ctx, "nope", model.ScopePersonal, actor); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный тег: ожидалась ErrNotFound, получено %v", err)
	}

	// Счётчик сохранён в репозитории
	usage, err := env.store.Tags().ListUsage(ctx)
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	found := false
	for _, u := range usage {
		if u.TagID == "ind-ppe" && u.Scope == model.ScopePersonal && u.OwnerID == "u1" {
			found = u.Count == 3
		}
	}
	if !found {
		t.Error("личный счётчик не сохранён в репозитории")
	}
}

func TestTagStore_RecordUsageConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := model.ActorContext{UserID: "u1"}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.tags.RecordUsage(ctx, "ind-crane", model.ScopePersonal, actor); err != nil {
				t.Errorf("RecordUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	c, _ := env.tags.Usage("ind-crane", model.UsageKey{Scope: model.ScopePersonal, OwnerID: "u1"})
	if c.Count != 50 {
		t.Errorf("ожидалось 50 использований, получено %d", c.Count)
	}
}

// Сценарий: локально +2 к базовой линии 8, на сервере 10 → 12.
func TestTagStore_MergeRemoteUsage_PendingDeltaPreserved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := model.UsageKey{Scope: model.ScopePersonal, OwnerID: "u1"}
	id := "ind-fall-protection"

	// Базовая линия 8
	if _, err := env.tags.MergeRemoteUsage(ctx, []model.RemoteUsage{
		{TagID: id, Scope: model.ScopePersonal, OwnerID: "u1", Count: 8},
	}); err != nil {
		t.Fatalf("MergeRemoteUsage: %v", err)
	}
	// +2 локально
	for range 2 {
		if _, err := env.tags.RecordUsage(ctx, id, model.ScopePersonal, model.ActorContext{UserID: "u1"}); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	remote := []model.RemoteUsage{{TagID: id, Scope: model.ScopePersonal, OwnerID: "u1", Count: 10}}
	changed, err := env.tags.MergeRemoteUsage(ctx, remote)
	if err != nil || changed != 1 {
		t.Fatalf("MergeRemoteUsage: changed=%d err=%v", changed, err)
	}
	c, _ := env.tags.Usage(id, key)
	if c.Count != 12 || c.SyncedCount != 10 {
		t.Errorf("ожидалось Count=12 SyncedCount=10, получено %+v", c)
	}

	// Повторное применение ничего не меняет
	changed, err = env.tags.MergeRemoteUsage(ctx, remote)
	if err != nil || changed != 0 {
		t.Errorf("повторное слияние: changed=%d err=%v", changed, err)
	}
	c, _ = env.tags.Usage(id, key)
	if c.Count != 12 {
		t.Errorf("повторное слияние изменило счётчик: %+v", c)
	}
}

func TestMergeCounter(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	tests := []struct {
		name string
		cur  model.UsageCounter
		ru   model.RemoteUsage
		want model.UsageCounter
	}{
		{
			name: "сервер впереди, без локальных приращений",
			cur:  model.UsageCounter{Count: 5, SyncedCount: 5, LastUsedAt: t1},
			ru:   model.RemoteUsage{Count: 9, LastUsedAt: t2},
			want: model.UsageCounter{Count: 9, SyncedCount: 9, LastUsedAt: t2},
		},
		{
			name: "сервер отстаёт — счётчик не уменьшается",
			cur:  model.UsageCounter{Count: 7, SyncedCount: 6, LastUsedAt: t2},
			ru:   model.RemoteUsage{Count: 3, LastUsedAt: t1},
			want: model.UsageCounter{Count: 7, SyncedCount: 6, LastUsedAt: t2},
		},
		{
			name: "новый счётчик",
			cur:  model.UsageCounter{},
			ru:   model.RemoteUsage{Count: 4, LastUsedAt: t1},
			want: model.UsageCounter{Count: 4, SyncedCount: 4, LastUsedAt: t1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeCounter(tt.cur, tt.ru)
			if got != tt.want {
				t.Errorf("ожидалось %+v, получено %+v", tt.want, got)
			}
			if got.Count < tt.cur.Count {
				t.Error("счётчик уменьшился")
			}
		})
	}
}

func TestTagStore_PendingDeltasAndMarkSynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := model.ActorContext{UserID: "u1", ProjectID: "site-a"}

	for _, scope := range []model.TagScope{model.ScopePersonal, model.ScopePersonal, model.ScopeProject} {
		if _, err := env.tags.RecordUsage(ctx, "ind-truck", scope, actor); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	deltas := env.tags.PendingDeltas(actor, []string{"ind-truck", "ind-truck", "ind-crane"})
	if len(deltas) != 2 {
		t.Fatalf("ожидалось 2 приращения (personal, project), получено %+v", deltas)
	}
	for _, d := range deltas {
		switch d.Scope {
		case model.ScopePersonal:
			if d.Delta != 2 || d.Count != 2 || d.OwnerID != "u1" {
				t.Errorf("personal: %+v", d)
			}
		case model.ScopeProject:
			if d.Delta != 1 || d.OwnerID != "site-a" {
				t.Errorf("project: %+v", d)
			}
		default:
			t.Errorf("неожиданная область %s", d.Scope)
		}
	}

	// Использование после формирования пакета остаётся неотправленным
	if _, err := env.tags.RecordUsage(ctx, "ind-truck", model.ScopePersonal, actor); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := env.tags.MarkSynced(ctx, deltas); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	c, _ := env.tags.Usage("ind-truck", model.UsageKey{Scope: model.ScopePersonal, OwnerID: "u1"})
	if c.Count != 3 || c.SyncedCount != 2 || c.PendingDelta() != 1 {
		t.Errorf("после MarkSynced: %+v", c)
	}
	if left := env.tags.PendingDeltas(actor, []string{"ind-truck"}); len(left) != 1 || left[0].Delta != 1 {
		t.Errorf("остаток приращений: %+v", left)
	}
}

func TestTagStore_EnsureTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rt := model.RemoteTag{ID: "remote-tag-1", Name: "Hot Work", Category: model.CategorySafety, Custom: true}

	added, err := env.tags.EnsureTag(ctx, rt)
	if err != nil || !added {
		t.Fatalf("EnsureTag: added=%v err=%v", added, err)
	}
	added, err = env.tags.EnsureTag(ctx, rt)
	if err != nil || added {
		t.Errorf("повторный EnsureTag: added=%v err=%v", added, err)
	}
	if !env.tags.Known("remote-tag-1") {
		t.Error("тег с сервера не добавлен")
	}
	// Имя тега с сервера не мешает локальному автору
	if _, err := env.tags.CreateTag(ctx, "Hot Work", "", "u1"); err != nil {
		t.Errorf("CreateTag с именем тега с сервера: %v", err)
	}
}
