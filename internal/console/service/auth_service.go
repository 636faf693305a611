package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenIssuingOff    = errors.New("token issuing is disabled: no private key")
)

type OperatorProvider interface {
	GetOperator(ctx context.Context, username string) (*domain.Operator, error)
}

// ConfigOperators: учетки операторов из секции auth.operators.
type ConfigOperators struct {
	byName map[string]*domain.Operator
}

func NewConfigOperators(cfg []infra.OperatorConfig) *ConfigOperators {
	ops := &ConfigOperators{byName: make(map[string]*domain.Operator, len(cfg))}
	for _, c := range cfg {
		scopes := make(map[string]bool, len(c.Scopes))
		for _, sc := range c.Scopes {
			scopes[sc] = true
		}
		ops.byName[c.Username] = &domain.Operator{
			Username:     c.Username,
			PasswordHash: c.PasswordHash,
			Scopes:       scopes,
		}
	}
	return ops
}

func (o *ConfigOperators) GetOperator(_ context.Context, username string) (*domain.Operator, error) {
	op, ok := o.byName[username]
	if !ok {
		return nil, nil
	}
	return op, nil
}

// ChainOperators опрашивает источники по очереди: первая найденная учетка выигрывает.
type ChainOperators []OperatorProvider

func (c ChainOperators) GetOperator(ctx context.Context, username string) (*domain.Operator, error) {
	for _, p := range c {
		op, err := p.GetOperator(ctx, username)
		if err != nil {
			return nil, err
		}
		if op != nil {
			return op, nil
		}
	}
	return nil, nil
}

type AuthService struct {
	repo       OperatorProvider
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	issuer     string
}

func NewAuthService(repo OperatorProvider, privateKey *rsa.PrivateKey, ttl time.Duration, issuer string) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		repo:       repo,
		privateKey: privateKey,
		ttl:        ttl,
		issuer:     issuer,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	if s.privateKey == nil {
		return nil, ErrTokenIssuingOff
	}

	// 1. Аутентификация
	op, err := s.repo.GetOperator(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up operator: %w", err)
	}
	if op == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Claims: scopes из учетки оператора
	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		UserID: op.Username,
		Scopes: op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   op.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
