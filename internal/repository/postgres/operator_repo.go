package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
)

// GetOperator ищет активную учетку оператора; nil, nil: такой нет.
func (r *Repo) GetOperator(ctx context.Context, username string) (*domain.Operator, error) {
	query := `
		SELECT username, password_hash, scopes
		FROM site_policy_operators
		WHERE username = $1 AND NOT disabled`

	var (
		op     domain.Operator
		scopes []string
	)
	// TEXT[] через database/sql читается только с помощью pgtype.Map
	m := pgtype.NewMap()
	err := r.db.QueryRowContext(ctx, query, username).Scan(&op.Username, &op.PasswordHash, m.SQLScanner(&scopes))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get operator: %w", err)
	}

	op.Scopes = make(map[string]bool, len(scopes))
	for _, s := range scopes {
		op.Scopes[s] = true
	}
	return &op, nil
}
