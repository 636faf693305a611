package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator проверяет токен оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type claimsKey struct{}

// WithClaims кладет claims оператора в контекст запроса
func WithClaims(ctx context.Context, claims *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext возвращает nil, если запрос прошел без аутентификации
func ClaimsFromContext(ctx context.Context) *domain.CustomClaims {
	claims, _ := ctx.Value(claimsKey{}).(*domain.CustomClaims)
	return claims
}

// OperatorFromContext: имя оператора для журнала; "anonymous", если auth выключен.
func OperatorFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.UserID != "" {
		return c.UserID
	}
	return "anonymous"
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только операторов с нужным scope.
// Ставится после NewMiddleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || !claims.Scopes[scope] {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
