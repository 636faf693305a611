package postgres

/*
Файл audit_repo.go хранит журнал мутаций сайтов (site_policy_audit).
Запись идет пачками из audit.Trail, чтение — для Console API.
*/

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
)

// Количество колонок в таблице site_policy_audit
const auditColumns = 10

func (r *Repo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	query, vals := buildInsert(events)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// buildInsert динамически строит запрос для пакетной вставки
func buildInsert(events []audit.AuditEvent) (string, []interface{}) {
	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*auditColumns)

	for i, e := range events {
		if i > 0 {
			placeholders.WriteString(",")
		}
		p := i * auditColumns
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		vals = append(vals,
			e.ID, e.TraceID, e.Operator, e.SiteURL, string(e.Action),
			e.PolicyName, string(e.Status), e.DurationMs, e.Error, e.Timestamp,
		)
	}

	query := "INSERT INTO site_policy_audit (id, trace_id, operator, site_url, action, policy_name, status, duration_ms, error, timestamp) VALUES " +
		placeholders.String()
	return query, vals
}

// FetchLogs возвращает последние события; пустой siteURL: по всем сайтам.
func (r *Repo) FetchLogs(ctx context.Context, siteURL string, limit int) ([]audit.AuditEvent, error) {
	query := `
		SELECT id, trace_id, operator, site_url, action, policy_name, status, duration_ms, error, timestamp
		FROM site_policy_audit
		WHERE ($1 = '' OR site_url = $1)
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, siteURL, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit: %w", err)
	}
	defer rows.Close()

	results := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var (
			e              audit.AuditEvent
			action, status string
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Operator, &e.SiteURL, &action,
			&e.PolicyName, &status, &e.DurationMs, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Action = domain.SiteAction(action)
		e.Status = domain.ActionStatus(status)
		results = append(results, e)
	}
	return results, rows.Err()
}
