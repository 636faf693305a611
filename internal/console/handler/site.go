package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/sitepolicy-gateway/internal/console/service"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
)

// SiteOperator: операции над сайтом, доступные Console API
type SiteOperator interface {
	Snapshot(ctx context.Context, siteURL string) (*domain.SiteState, error)
	ListPolicies(ctx context.Context, siteURL string) ([]domain.SitePolicy, error)
	GetPolicy(ctx context.Context, siteURL, name string) (*domain.SitePolicy, error)
	Apply(ctx context.Context, siteURL, name string) (bool, error)
	Close(ctx context.Context, siteURL string) (bool, error)
	Open(ctx context.Context, siteURL string) (bool, error)
}

type SiteHandler struct {
	service SiteOperator
	logger  *zap.Logger
}

func NewSiteHandler(s SiteOperator, logger *zap.Logger) *SiteHandler {
	return &SiteHandler{service: s, logger: logger.Named("site-handler")}
}

type applyRequest struct {
	Name string `json:"name"`
}

type mutationResponse struct {
	Changed bool `json:"changed"`
}

// GET /v1/site/state?site=...
func (h *SiteHandler) State(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Snapshot(r.Context(), r.URL.Query().Get("site"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GET /v1/site/policies?site=...
func (h *SiteHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.ListPolicies(r.Context(), r.URL.Query().Get("site"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// GET /v1/site/policies/{name}?site=...
func (h *SiteHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	policy, err := h.service.GetPolicy(r.Context(), r.URL.Query().Get("site"), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if policy == nil {
		http.Error(w, "policy not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// POST /v1/site/apply?site=... {"name": "..."}
func (h *SiteHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "policy name is required", http.StatusBadRequest)
		return
	}
	changed, err := h.service.Apply(r.Context(), r.URL.Query().Get("site"), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Changed: changed})
}

// POST /v1/site/close?site=...
func (h *SiteHandler) Close(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.Close(r.Context(), r.URL.Query().Get("site"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Changed: changed})
}

// POST /v1/site/open?site=...
func (h *SiteHandler) Open(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.Open(r.Context(), r.URL.Query().Get("site"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Changed: changed})
}

// fail разделяет ошибки клиента и отказы удаленной платформы
func (h *SiteHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSiteURL):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, service.ErrSiteNotAllowed):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	h.logger.Error("remote platform call failed", zap.String("path", r.URL.Path), zap.Error(err))
	http.Error(w, "remote platform error", http.StatusBadGateway)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
