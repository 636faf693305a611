package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
)

type AuditReader interface {
	FetchLogs(ctx context.Context, siteURL string, limit int) ([]audit.AuditEvent, error)
}

type AuditHandler struct {
	service AuditReader
}

func NewAuditHandler(s AuditReader) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает журнал мутаций
// GET /v1/audit?site=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	siteURL := r.URL.Query().Get("site")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := h.service.FetchLogs(r.Context(), siteURL, limit)
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}
