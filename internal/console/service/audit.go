package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditLogProvider описывает контракт для чтения журнала мутаций.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, siteURL string, limit int) ([]audit.AuditEvent, error)
}

type AuditService struct {
	repo AuditLogProvider // nil: журнал пишется только в лог
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchLogs возвращает последние события по сайту; пустой siteURL: по всем.
func (s *AuditService) FetchLogs(ctx context.Context, siteURL string, limit int) ([]audit.AuditEvent, error) {
	if s.repo == nil {
		return []audit.AuditEvent{}, nil
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	logs, err := s.repo.FetchLogs(ctx, siteURL, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
