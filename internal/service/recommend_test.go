package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

var rankNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func view(id string, personal, project, industry int64) TagView {
	old := rankNow.Add(-30 * 24 * time.Hour)
	return TagView{
		Tag:      model.Tag{ID: id, Name: id},
		Personal: model.UsageCounter{Count: personal, LastUsedAt: old},
		Project:  model.UsageCounter{Count: project, LastUsedAt: old},
		Industry: model.UsageCounter{Count: industry, LastUsedAt: old},
	}
}

func scoreOf(t *testing.T, list []RecommendedTag, id string) float64 {
	t.Helper()
	for _, r := range list {
		if r.Tag.ID == id {
			return r.Score
		}
	}
	t.Fatalf("тег %s отсутствует в рекомендациях", id)
	return 0
}

// PPE: personal 3/5, project 2/4, industry 10/20 → 0.54.
func TestRank_WeightedScore(t *testing.T) {
	views := []TagView{
		view("PPE", 3, 2, 10),
		view("max-personal", 5, 0, 0),
		view("max-project", 0, 4, 0),
		view("max-industry", 0, 0, 20),
	}
	got := scoreOf(t, rank(views, true, 10, rankNow), "PPE")
	if math.Abs(got-0.54) > 1e-9 {
		t.Errorf("ожидалась оценка 0.54, получено %v", got)
	}
}

func TestRank_WithoutProjectRenormalizes(t *testing.T) {
	views := []TagView{view("a", 2, 7, 10), view("b", 4, 0, 20)}
	got := rank(views, false, 10, rankNow)

	// a: 4/7 × 0.5 + 3/7 × 0.5 = 0.5
	if s := scoreOf(t, got, "a"); math.Abs(s-0.5) > 1e-9 {
		t.Errorf("a: ожидалось 0.5, получено %v", s)
	}
	if s := scoreOf(t, got, "b"); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("b: ожидалось 1.0, получено %v", s)
	}
}

func TestRank_RecencyBoost(t *testing.T) {
	fresh := view("fresh", 2, 0, 0)
	fresh.Personal.LastUsedAt = rankNow.Add(-24 * time.Hour)
	stale := view("stale", 2, 0, 0)
	top := view("top", 4, 0, 0)
	top.Personal.LastUsedAt = rankNow.Add(-time.Hour)

	got := rank([]TagView{fresh, stale, top}, false, 10, rankNow)
	wantFresh := 4.0 / 7 * (0.5 * 1.25)
	if s := scoreOf(t, got, "fresh"); math.Abs(s-wantFresh) > 1e-9 {
		t.Errorf("fresh: ожидалось %v, получено %v", wantFresh, s)
	}
	if s := scoreOf(t, got, "stale"); math.Abs(s-4.0/7*0.5) > 1e-9 {
		t.Errorf("stale без усиления: %v", s)
	}
	// Усиление не поднимает оценку выше 1.0
	if s := scoreOf(t, got, "top"); math.Abs(s-4.0/7) > 1e-9 {
		t.Errorf("top: оценка области должна быть ограничена 1.0, получено %v", s)
	}
}

func TestRank_QuickAccessPromotion(t *testing.T) {
	// Много тегов с высокой отраслевой оценкой и один личный тег с 5 использованиями
	views := []TagView{view("mine", 5, 0, 0)}
	for i := range 10 {
		views = append(views, view(fmt.Sprintf("pop-%02d", i), 0, 0, 1000))
	}
	// Личный максимум у другого тега, поэтому оценка mine низкая
	views = append(views, view("heavy", 100, 0, 1000))

	got := rank(views, false, 3, rankNow)
	if len(got) != 3 {
		t.Fatalf("ожидалось 3 тега, получено %d", len(got))
	}
	var promoted bool
	for _, r := range got {
		if r.Tag.ID == "mine" {
			promoted = r.QuickAccess
		}
	}
	if !promoted {
		t.Errorf("тег с 5 личными использованиями должен попасть в выдачу: %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Score < got[i].Score {
			t.Errorf("выдача не отсортирована по оценке: %+v", got)
		}
	}
}

func TestRank_QuickAccessCappedAtEight(t *testing.T) {
	var views []TagView
	for i := range 12 {
		views = append(views, view(fmt.Sprintf("q-%02d", i), int64(5+i), 0, 0))
	}
	for i := range 4 {
		views = append(views, view(fmt.Sprintf("ind-%d", i), 0, 0, 500))
	}

	got := rank(views, false, 12, rankNow)
	if len(got) != 12 {
		t.Fatalf("ожидалось 12 тегов, получено %d", len(got))
	}
	quick := 0
	for _, r := range got {
		if r.QuickAccess {
			quick++
		}
	}
	// Гарантировано 8, остальные слоты — по оценке (индустриальные 3/7 выше части личных)
	if quick < 8 {
		t.Errorf("ожидалось не меньше 8 тегов быстрого доступа, получено %d", quick)
	}
}

func TestRank_TieBreakers(t *testing.T) {
	a := view("Bravo", 1, 0, 0)
	b := view("Alpha", 1, 0, 0)
	c := view("Charlie", 1, 0, 0)
	c.Personal.LastUsedAt = rankNow.Add(-20 * 24 * time.Hour)

	got := rank([]TagView{a, b, c}, false, 10, rankNow)
	want := []string{"Charlie", "Alpha", "Bravo"}
	for i, id := range want {
		if got[i].Tag.ID != id {
			t.Fatalf("порядок: ожидалось %v, получено %v", want, ids(got))
		}
	}
}

func TestRank_UnusedTagsExcluded(t *testing.T) {
	got := rank([]TagView{view("used", 1, 0, 0), view("unused", 0, 0, 0)}, true, 10, rankNow)
	if len(got) != 1 || got[0].Tag.ID != "used" {
		t.Errorf("неиспользованные теги не должны рекомендоваться: %v", ids(got))
	}
}

func TestRank_LimitAboveCandidates(t *testing.T) {
	views := []TagView{view("a", 3, 0, 0), view("b", 1, 0, 0)}
	got := rank(views, true, math.MaxInt, rankNow)
	if len(got) != 2 {
		t.Errorf("ожидались все 2 кандидата, получено %v", ids(got))
	}
}

func ids(list []RecommendedTag) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.Tag.ID
	}
	return out
}

func TestRecommender_Recommend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := NewRecommender(env.tags, 16, time.Minute, testLogger())

	if _, err := rec.Recommend(ctx, "", "", 5); !errors.Is(err, ErrValidation) {
		t.Errorf("без user_id: ожидалась ErrValidation, получено %v", err)
	}

	got, err := rec.Recommend(ctx, "u1", "", 0)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(got) != DefaultRecommendLimit {
		t.Errorf("limit по умолчанию: ожидалось %d, получено %d", DefaultRecommendLimit, len(got))
	}
	if got[0].Tag.ID != "ind-hard-hat" {
		t.Errorf("при пустой истории первым ожидался самый популярный тег, получено %s", got[0].Tag.ID)
	}

	// Изменение счётчика сразу видно, несмотря на кэш
	actor := model.ActorContext{UserID: "u1"}
	for range 5 {
		if _, err := env.tags.RecordUsage(ctx, "ind-barrier", model.ScopePersonal, actor); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	got, err = rec.Recommend(ctx, "u1", "", 3)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if got[0].Tag.ID != "ind-barrier" || !got[0].QuickAccess {
		t.Errorf("после 5 использований barrier должен быть первым: %v", ids(got))
	}

	// Рекомендации не меняют счётчики
	version := env.tags.Version()
	if _, err := rec.Recommend(ctx, "u1", "", 3); err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if env.tags.Version() != version {
		t.Error("Recommend изменил TagStore")
	}
}

func TestRecommender_HugeLimit(t *testing.T) {
	env := newTestEnv(t)
	rec := NewRecommender(env.tags, 4, time.Minute, testLogger())

	got, err := rec.Recommend(context.Background(), "u1", "", 1<<62)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(got) == 0 || len(got) > len(env.tags.Snapshot("u1", "")) {
		t.Errorf("ожидались все рекомендуемые теги каталога, получено %d", len(got))
	}
}

func TestRecommender_CachedResultIsolated(t *testing.T) {
	env := newTestEnv(t)
	rec := NewRecommender(env.tags, 4, time.Minute, testLogger())

	first, err := rec.Recommend(context.Background(), "u1", "p1", 2)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	first[0].Score = -1

	second, err := rec.Recommend(context.Background(), "u1", "p1", 2)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if second[0].Score < 0 {
		t.Error("изменение результата вызывающим повредило кэш")
	}
}
