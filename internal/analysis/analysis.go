// Package analysis — адаптер AI-анализа фотографий.
//
// Модель распознавания не входит в модуль: Detector возвращает метки
// изображения, Service сопоставляет их с тегами каталога и применяет
// прошедшие порог уверенности как ai_detected ассоциации.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/capture-sync/internal/service"
)

var analysisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cs_analysis_total",
	Help: "Общее количество запусков AI-анализа по результату",
}, []string{"result"})

// ErrDisabled — AI-анализ не настроен (CS_AI_PROVIDER=none).
var ErrDisabled = errors.New("AI-анализ отключён")

// Label — метка изображения. Confidence в диапазоне [0, 1].
type Label struct {
	Name       string   `json:"name"`
	Parents    []string `json:"parents,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Detector — провайдер распознавания.
type Detector interface {
	DetectLabels(ctx context.Context, image []byte) ([]Label, error)
}

// PhotoTagger — операции над записями фотографий, нужные анализу.
type PhotoTagger interface {
	Get(ctx context.Context, photoID string) (*model.Photo, error)
	ApplySuggestedTags(ctx context.Context, photoID string, suggestions []service.Suggestion, source model.AssociationSource) ([]*model.PhotoTagAssociation, error)
}

// ContentReader читает проверенное содержимое фотографии.
type ContentReader interface {
	ReadVerified(photoID, storagePath, checksum string) ([]byte, error)
}

// Candidate — тег, сопоставленный с меткой.
type Candidate struct {
	TagID      string  `json:"tag_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// Result — результат анализа одной фотографии.
type Result struct {
	PhotoID  string                       `json:"photo_id"`
	Labels   []Label                      `json:"labels"`
	Applied  []*model.PhotoTagAssociation `json:"applied"`
	Rejected []Candidate                  `json:"rejected,omitempty"`
}

// labelTags — сопоставление меток распознавания с тегами каталога.
var labelTags = map[string]string{
	"hardhat":            "ind-hard-hat",
	"hard hat":           "ind-hard-hat",
	"helmet":             "ind-hard-hat",
	"vest":               "ind-safety-vest",
	"safety vest":        "ind-safety-vest",
	"reflective vest":    "ind-safety-vest",
	"harness":            "ind-fall-protection",
	"safety harness":     "ind-fall-protection",
	"fall hazard":        "ind-fall-protection",
	"scaffolding":        "ind-scaffolding",
	"scaffold":           "ind-scaffolding",
	"ladder":             "ind-ladder-safety",
	"electrical wires":   "ind-electrical-hazard",
	"electric wire":      "ind-electrical-hazard",
	"power lines":        "ind-electrical-hazard",
	"electrical hazard":  "ind-electrical-hazard",
	"machine":            "ind-machinery",
	"machinery":          "ind-machinery",
	"forklift":           "ind-machinery",
	"excavator":          "ind-excavator",
	"bulldozer":          "ind-excavator",
	"crane":              "ind-crane",
	"construction crane": "ind-crane",
	"truck":              "ind-truck",
	"dump truck":         "ind-truck",
	"traffic cone":       "ind-safety-cone",
	"cone":               "ind-safety-cone",
	"barricade":          "ind-barrier",
	"barrier":            "ind-barrier",
	"fence":              "ind-barrier",
}

// ppeTags — теги средств защиты; их обнаружение также даёт тег PPE.
var ppeTags = map[string]bool{
	"ind-hard-hat":    true,
	"ind-safety-vest": true,
	"ind-ppe":         true,
}

const (
	fallProtectionThreshold = 0.7
	ppeThreshold            = 0.6
)

// Service — анализ фотографий.
type Service struct {
	detector Detector
	photos   PhotoTagger
	files    ContentReader
	floor    float64
	logger   *slog.Logger
}

// NewService создаёт сервис анализа. detector == nil отключает анализ.
// minConfidence — общий нижний порог уверенности.
func NewService(detector Detector, photos PhotoTagger, files ContentReader, minConfidence float64, logger *slog.Logger) *Service {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = 0.6
	}
	return &Service{
		detector: detector,
		photos:   photos,
		files:    files,
		floor:    minConfidence,
		logger:   logger.With(slog.String("component", "analysis")),
	}
}

// Enabled сообщает, настроен ли провайдер распознавания.
func (s *Service) Enabled() bool {
	return s.detector != nil
}

// Threshold возвращает порог уверенности для тега.
func (s *Service) Threshold(tagID string) float64 {
	switch {
	case tagID == "ind-fall-protection":
		return max(fallProtectionThreshold, s.floor)
	case ppeTags[tagID]:
		return max(ppeThreshold, s.floor)
	default:
		return s.floor
	}
}

// Analyze распознаёт метки фотографии и применяет прошедшие порог теги.
func (s *Service) Analyze(ctx context.Context, photoID string) (*Result, error) {
	if s.detector == nil {
		return nil, ErrDisabled
	}

	p, err := s.photos.Get(ctx, photoID)
	if err != nil {
		return nil, err
	}
	content, err := s.files.ReadVerified(p.ID, p.StoragePath, p.Checksum)
	if err != nil {
		analysisTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("чтение фотографии %s: %w", photoID, err)
	}

	labels, err := s.detector.DetectLabels(ctx, content)
	if err != nil {
		analysisTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("распознавание фотографии %s: %w", photoID, err)
	}

	accepted, rejected := s.match(labels)
	result := &Result{PhotoID: photoID, Labels: labels, Rejected: rejected}

	if len(accepted) > 0 {
		suggestions := make([]service.Suggestion, 0, len(accepted))
		for _, c := range accepted {
			suggestions = append(suggestions, service.Suggestion{TagID: c.TagID, Confidence: c.Confidence})
		}
		applied, err := s.photos.ApplySuggestedTags(ctx, photoID, suggestions, model.SourceAIDetected)
		if err != nil {
			analysisTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		result.Applied = applied
	}

	analysisTotal.WithLabelValues("ok").Inc()
	s.logger.Info("AI-анализ выполнен",
		slog.String("photo_id", photoID),
		slog.Int("labels", len(labels)),
		slog.Int("applied", len(result.Applied)),
		slog.Int("rejected", len(rejected)),
	)
	return result, nil
}

// match сопоставляет метки с тегами. Для тега берётся максимальная
// уверенность среди меток; кандидаты ниже порога возвращаются отдельно.
func (s *Service) match(labels []Label) (accepted, rejected []Candidate) {
	best := make(map[string]Candidate)
	consider := func(tagID, label string, conf float64) {
		if cur, ok := best[tagID]; !ok || conf > cur.Confidence {
			best[tagID] = Candidate{TagID: tagID, Label: label, Confidence: conf, Threshold: s.Threshold(tagID)}
		}
	}

	for _, l := range labels {
		conf := min(max(l.Confidence, 0), 1)
		for _, name := range append([]string{l.Name}, l.Parents...) {
			tagID, ok := labelTags[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				continue
			}
			consider(tagID, l.Name, conf)
			if ppeTags[tagID] {
				consider("ind-ppe", l.Name, conf)
			}
		}
	}

	for _, c := range best {
		if c.Confidence >= c.Threshold {
			accepted = append(accepted, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	byConfidence := func(list []Candidate) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Confidence != list[j].Confidence {
				return list[i].Confidence > list[j].Confidence
			}
			return list[i].TagID < list[j].TagID
		})
	}
	byConfidence(accepted)
	byConfidence(rejected)
	return accepted, rejected
}
