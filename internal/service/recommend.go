// recommend.go — рекомендации тегов по истории использования.
//
// score = 0.4 × personal + 0.3 × project + 0.3 × industry, где каждая
// оценка — счётчик области, нормированный на максимум области в момент
// запроса. Без проекта веса personal и industry пропорционально растут
// до 4/7 и 3/7. Личная и проектная оценки умножаются на 1.25, если тег
// использовался в области за последние 7 дней (не выше 1.0).
//
// Результаты кэшируются в LRU с TTL. Ключ включает версию TagStore,
// поэтому любое изменение счётчиков делает старые записи недостижимыми.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// Prometheus-метрики кэша рекомендаций.
var (
	recommendCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_recommend_cache_hits_total",
		Help: "Общее количество попаданий в кэш рекомендаций.",
	})
	recommendCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_recommend_cache_misses_total",
		Help: "Общее количество промахов кэша рекомендаций.",
	})
)

const (
	// DefaultRecommendLimit — размер списка, если limit не задан.
	DefaultRecommendLimit = 8
	// QuickAccessThreshold — личных использований для попадания в быстрый доступ.
	QuickAccessThreshold = 5
	// MaxQuickAccess — максимум тегов быстрого доступа в одном ответе.
	MaxQuickAccess = 8

	weightPersonal = 0.4
	weightProject  = 0.3
	weightIndustry = 0.3

	recencyWindow = 7 * 24 * time.Hour
	recencyBoost  = 1.25
)

// RecommendedTag — тег в списке рекомендаций.
type RecommendedTag struct {
	Tag   model.Tag `json:"tag"`
	Score float64   `json:"score"`
	// QuickAccess — тег продвинут по числу личных использований
	QuickAccess   bool      `json:"quick_access"`
	PersonalCount int64     `json:"personal_count"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// Recommender — движок рекомендаций. Только читает TagStore.
type Recommender struct {
	tags   *TagStore
	cache  *expirable.LRU[string, []RecommendedTag]
	now    func() time.Time
	logger *slog.Logger
}

// NewRecommender создаёт движок рекомендаций с кэшем размера cacheSize.
// cacheSize <= 0 отключает кэш.
func NewRecommender(tags *TagStore, cacheSize int, ttl time.Duration, logger *slog.Logger) *Recommender {
	r := &Recommender{
		tags:   tags,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "recommender")),
	}
	if cacheSize > 0 {
		r.cache = expirable.NewLRU[string, []RecommendedTag](cacheSize, nil, ttl)
	}
	return r
}

// Recommend возвращает не более limit тегов для пользователя и проекта,
// упорядоченных по убыванию оценки. Пустой список — не ошибка.
func (r *Recommender) Recommend(_ context.Context, userID, projectID string, limit int) ([]RecommendedTag, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id обязателен", ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultRecommendLimit
	}

	key := fmt.Sprintf("%s|%s|%d|%d", userID, projectID, limit, r.tags.Version())
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			recommendCacheHitsTotal.Inc()
			return cloneRecommendations(cached), nil
		}
		recommendCacheMissesTotal.Inc()
	}

	result := rank(r.tags.Snapshot(userID, projectID), projectID != "", limit, r.now())

	if r.cache != nil {
		r.cache.Add(key, cloneRecommendations(result))
	}
	r.logger.Debug("Рекомендации рассчитаны",
		slog.String("user_id", userID),
		slog.String("project_id", projectID),
		slog.Int("count", len(result)),
	)
	return result, nil
}

func cloneRecommendations(in []RecommendedTag) []RecommendedTag {
	out := make([]RecommendedTag, len(in))
	copy(out, in)
	return out
}

// rank — чистая функция ранжирования.
func rank(views []TagView, withProject bool, limit int, now time.Time) []RecommendedTag {
	var maxPersonal, maxProject, maxIndustry int64
	for _, v := range views {
		maxPersonal = max(maxPersonal, v.Personal.Count)
		maxProject = max(maxProject, v.Project.Count)
		maxIndustry = max(maxIndustry, v.Industry.Count)
	}

	wPersonal, wProject, wIndustry := weightPersonal, weightProject, weightIndustry
	if !withProject {
		rest := weightPersonal + weightIndustry
		wPersonal, wProject, wIndustry = weightPersonal/rest, 0, weightIndustry/rest
	}

	candidates := make([]RecommendedTag, 0, len(views))
	for _, v := range views {
		personal := boosted(subScore(v.Personal.Count, maxPersonal), v.Personal.LastUsedAt, now)
		project := boosted(subScore(v.Project.Count, maxProject), v.Project.LastUsedAt, now)
		industry := subScore(v.Industry.Count, maxIndustry)

		rt := RecommendedTag{
			Tag:           v.Tag,
			Score:         wPersonal*personal + wProject*project + wIndustry*industry,
			QuickAccess:   v.Personal.Count >= QuickAccessThreshold,
			PersonalCount: v.Personal.Count,
			LastUsedAt:    v.LastUsedAt(),
		}
		// Теги без единого использования не рекомендуются
		if rt.Score == 0 && !rt.QuickAccess {
			continue
		}
		candidates = append(candidates, rt)
	}
	sort.Slice(candidates, func(i, j int) bool { return ranksBefore(candidates[i], candidates[j]) })

	limit = min(limit, len(candidates))
	quota := min(MaxQuickAccess, limit)
	result := make([]RecommendedTag, 0, limit)
	taken := make(map[string]bool, limit)
	for _, c := range candidates {
		if len(result) >= quota {
			break
		}
		if c.QuickAccess {
			result = append(result, c)
			taken[c.Tag.ID] = true
		}
	}
	for _, c := range candidates {
		if len(result) >= limit {
			break
		}
		if !taken[c.Tag.ID] {
			result = append(result, c)
			taken[c.Tag.ID] = true
		}
	}
	// Продвижение меняет состав, но не порядок
	sort.Slice(result, func(i, j int) bool { return ranksBefore(result[i], result[j]) })
	return result
}

// ranksBefore — порядок: оценка по убыванию, затем более позднее
// использование, затем имя по возрастанию, затем ID.
func ranksBefore(a, b RecommendedTag) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.After(b.LastUsedAt)
	}
	if a.Tag.Name != b.Tag.Name {
		return a.Tag.Name < b.Tag.Name
	}
	return a.Tag.ID < b.Tag.ID
}

func subScore(count, maxCount int64) float64 {
	if maxCount <= 0 || count <= 0 {
		return 0
	}
	return float64(count) / float64(maxCount)
}

func boosted(score float64, lastUsed, now time.Time) float64 {
	if score == 0 || lastUsed.IsZero() {
		return score
	}
	if now.Sub(lastUsed) <= recencyWindow {
		return min(score*recencyBoost, 1.0)
	}
	return score
}
