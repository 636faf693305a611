package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

const schema = `
CREATE TABLE IF NOT EXISTS site_policy_audit (
	id          UUID PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	operator    TEXT NOT NULL,
	site_url    TEXT NOT NULL,
	action      TEXT NOT NULL,
	policy_name TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS site_policy_audit_site_ts ON site_policy_audit (site_url, timestamp DESC);

CREATE TABLE IF NOT EXISTS site_policy_operators (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	scopes        TEXT[] NOT NULL DEFAULT '{}',
	disabled      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Repo: журнал мутаций и учетки операторов в одной базе.
type Repo struct {
	db *sql.DB
}

// NewRepo открывает пул соединений; доступность проверяем через Ping.
func NewRepo(connString string, maxConns, minConns int) (*Repo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Repo{db: db}, nil
}

// Ping проверяет доступность базы при старте
func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repo) Close() error {
	return r.db.Close()
}

// EnsureSchema создает таблицы, если их нет
func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to ensure schema: %w", err)
	}
	return nil
}
