package audit

import (
	"time"

	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
)

type AuditEvent struct {
	ID         string              `json:"id"`          // UUID события
	TraceID    string              `json:"trace_id"`    // Сквозной ID запроса (X-Request-Id)
	Operator   string              `json:"operator"`    // Кто делал
	SiteURL    string              `json:"site_url"`    // Над каким сайтом
	Action     domain.SiteAction   `json:"action"`      // APPLY, CLOSE, OPEN
	PolicyName string              `json:"policy_name"` // Для APPLY: запрошенная политика
	Status     domain.ActionStatus `json:"status"`      // CHANGED, SKIPPED, FAILED
	Timestamp  time.Time           `json:"timestamp"`
	DurationMs int64               `json:"duration_ms"` // Время обработки
	Error      string              `json:"error,omitempty"`
}
