package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TagCategory — категория тега.
type TagCategory string

const (
	CategorySafety     TagCategory = "safety"
	CategoryEquipment  TagCategory = "equipment"
	CategoryTrade      TagCategory = "trade"
	CategoryCompliance TagCategory = "compliance"
	CategoryCustom     TagCategory = "custom"
)

// TagScope — область, в которой ведётся счётчик использования тега.
type TagScope string

const (
	// ScopePersonal — использование конкретным пользователем
	ScopePersonal TagScope = "personal"
	// ScopeProject — использование в рамках проекта
	ScopeProject TagScope = "project"
	// ScopeIndustry — общеотраслевая статистика
	ScopeIndustry TagScope = "industry"
)

// MaxTagNameLength — максимальная длина имени тега в символах.
const MaxTagNameLength = 64

// Tag — определение тега.
type Tag struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Category TagCategory `json:"category"`
	// Custom — тег создан пользователем (не из отраслевого каталога)
	Custom bool `json:"custom"`
	// CreatedBy — автор пользовательского тега; пусто для каталога
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NameKey возвращает нормализованный ключ имени для проверки уникальности.
func (t *Tag) NameKey() string {
	return NormalizeTagName(t.Name)
}

// UsageKey — идентификатор счётчика: область и владелец.
// Владелец — ID пользователя, ID проекта или пустая строка для industry.
type UsageKey struct {
	Scope   TagScope `json:"scope"`
	OwnerID string   `json:"owner_id"`
}

// UsageCounter — счётчик использования тега в одной области.
type UsageCounter struct {
	// Count — локальное значение, включая ещё не отправленные приращения
	Count int64 `json:"count"`
	// SyncedCount — значение, согласованное с сервером (базовая линия)
	SyncedCount int64     `json:"synced_count"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// PendingDelta возвращает приращения, ещё не отправленные на сервер.
func (c UsageCounter) PendingDelta() int64 {
	if c.Count < c.SyncedCount {
		return 0
	}
	return c.Count - c.SyncedCount
}

// TagUsage — счётчик с привязкой к тегу, строка таблицы tag_usage.
type TagUsage struct {
	TagID string `json:"tag_id"`
	UsageKey
	UsageCounter
}

// ActorContext — кто и в каком проекте выполняет действие.
type ActorContext struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// OwnerFor возвращает владельца счётчика для области.
func (a ActorContext) OwnerFor(scope TagScope) (string, error) {
	switch scope {
	case ScopePersonal:
		if a.UserID == "" {
			return "", fmt.Errorf("для области personal требуется user_id")
		}
		return a.UserID, nil
	case ScopeProject:
		if a.ProjectID == "" {
			return "", fmt.Errorf("для области project требуется project_id")
		}
		return a.ProjectID, nil
	case ScopeIndustry:
		return "", nil
	default:
		return "", fmt.Errorf("недопустимая область: %q", scope)
	}
}

// ParseTagScope преобразует строку в TagScope.
func ParseTagScope(s string) (TagScope, error) {
	switch sc := TagScope(s); sc {
	case ScopePersonal, ScopeProject, ScopeIndustry:
		return sc, nil
	default:
		return "", fmt.Errorf("недопустимая область: %q, допустимые: personal, project, industry", s)
	}
}

// ParseTagCategory преобразует строку в TagCategory.
func ParseTagCategory(s string) (TagCategory, error) {
	switch c := TagCategory(s); c {
	case CategorySafety, CategoryEquipment, CategoryTrade, CategoryCompliance, CategoryCustom:
		return c, nil
	default:
		return "", fmt.Errorf("недопустимая категория тега: %q", s)
	}
}

var (
	tagPunctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	tagSpaces      = regexp.MustCompile(`\s+`)
)

// NormalizeTagName приводит имя тега к каноническому ключу:
// NFKC, нижний регистр, без диакритики и пунктуации, одиночные пробелы.
func NormalizeTagName(name string) string {
	s := norm.NFKC.String(name)
	s = strings.ToLower(s)
	s = tagPunctuation.ReplaceAllString(s, " ")

	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	s = tagSpaces.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(s)
}

// ValidateTagName проверяет отображаемое имя тега.
func ValidateTagName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("имя тега не может быть пустым")
	}
	if len([]rune(trimmed)) > MaxTagNameLength {
		return fmt.Errorf("имя тега длиннее %d символов", MaxTagNameLength)
	}
	if NormalizeTagName(trimmed) == "" {
		return fmt.Errorf("имя тега %q не содержит букв или цифр", name)
	}
	return nil
}
