package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes операторов Console API
const (
	ScopeRead  = "sitepolicy.read"
	ScopeWrite = "sitepolicy.write"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "sitepolicy.read": true
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator: учетная запись администратора сайтов.
type Operator struct {
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отдаем наружу
	Scopes       map[string]bool `json:"scopes"`
}
