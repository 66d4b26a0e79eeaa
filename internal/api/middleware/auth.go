// auth.go — JWT middleware для API capture-sync (RS256 + JWKS из CS_JWKS_URL).
//
// Из токена берётся Principal: sub — инспектор, от имени которого
// создаются фотографии и применяются теги; project_id — объект
// по умолчанию; scopes — права оператора очереди.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/capture-sync/internal/api/errors"
)

// ScopeOperator открывает управление очередью и обслуживание:
// пауза, ручной повтор, сверка, журнал аудита.
const ScopeOperator = "capture-sync:operator"

type principalKey struct{}

// Principal — аутентифицированный пользователь запроса.
type Principal struct {
	Subject string
	// ProjectID — объект из claim project_id (может быть пустым)
	ProjectID string
	Scopes    []string
}

// HasScope сообщает, выдан ли scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Claims — claims токена capture-sync.
// scope — строка через пробел (OAuth2), scopes — массив; учитываются оба.
type Claims struct {
	jwt.RegisteredClaims
	ProjectID   string   `json:"project_id,omitempty"`
	ScopeString string   `json:"scope,omitempty"`
	ScopeArray  []string `json:"scopes,omitempty"`
}

func (c *Claims) principal() Principal {
	scopes := strings.Fields(c.ScopeString)
	scopes = append(scopes, c.ScopeArray...)
	return Principal{Subject: c.Subject, ProjectID: c.ProjectID, Scopes: scopes}
}

// JWTAuth — проверка JWT через JWKS.
type JWTAuth struct {
	keys   keyfunc.Keyfunc
	leeway time.Duration
	logger *slog.Logger
}

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	JWKSURL string
	// CACertPath — CA для JWKS endpoint (опционально)
	CACertPath      string
	TLSSkipVerify   bool
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	// JWTLeeway — допустимое расхождение часов планшета и IdP
	JWTLeeway time.Duration
}

// NewJWTAuth создаёт middleware с ключами из JWKS endpoint.
// Недоступный при старте JWKS не мешает запуску: планшет часто
// стартует без сети, ключи подтянутся при следующем обновлении.
func NewJWTAuth(cfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	client, err := jwksClient(cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("component", "jwt_auth"))

	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("JWKS не обновлён",
				slog.String("url", cfg.JWKSURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS storage %s: %w", cfg.JWKSURL, err)
	}

	keys, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("keyfunc: %w", err)
	}
	return &JWTAuth{keys: keys, leeway: cfg.JWTLeeway, logger: logger}, nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с готовой keyfunc (тесты).
func NewJWTAuthWithKeyfunc(keys keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{keys: keys, leeway: leeway, logger: logger.With(slog.String("component", "jwt_auth"))}
}

func jwksClient(cfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify} //nolint:gosec // только для разработки
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("CA-сертификат JWKS %s: %w", cfg.CACertPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA-сертификат JWKS %s: нет PEM-сертификатов", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{
		Timeout:   cfg.ClientTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// bearerToken извлекает токен из "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "Отсутствует заголовок Authorization"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "Неверный формат Authorization: ожидается Bearer <token>"
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", "Пустой Bearer token"
	}
	return token, ""
}

// Middleware проверяет подпись RS256, exp/nbf и наличие sub,
// затем кладёт Principal в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, problem := bearerToken(r)
			if problem != "" {
				apierrors.Unauthorized(w, problem)
				return
			}

			claims := &Claims{}
			_, err := jwt.ParseWithClaims(raw, claims, j.keys.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			)
			if err != nil {
				j.logger.Debug("JWT отклонён",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if claims.Subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := WithPrincipal(r.Context(), claims.principal())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope пропускает запрос, только если у Principal есть scope.
// Без Principal (CS_JWKS_URL не задан, API без аутентификации)
// запрос пропускается.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if ok && !p.HasScope(scope) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithPrincipal возвращает контекст с Principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext извлекает Principal из контекста.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SubjectFromContext возвращает sub или пустую строку.
func SubjectFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}
