package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/sitepolicy-gateway/internal/console/service"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
)

type TokenIssuer interface {
	GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error)
}

type AuthHandler struct {
	service TokenIssuer
	logger  *zap.Logger
}

func NewAuthHandler(s TokenIssuer, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger.Named("auth-handler")}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrTokenIssuingOff):
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case err != nil:
		h.logger.Error("token issuing failed", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
