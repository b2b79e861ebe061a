// Package postgres persists alerts and cases. Each row keeps the full
// document as JSONB next to the columns used for filtering.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banking/aml-agents/internal/alerts"
	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS aml_alerts (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	case_id     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	document    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS aml_alerts_customer_idx ON aml_alerts (customer_id);
CREATE INDEX IF NOT EXISTS aml_alerts_status_idx ON aml_alerts (status);
CREATE INDEX IF NOT EXISTS aml_alerts_created_idx ON aml_alerts (created_at DESC, id);

CREATE TABLE IF NOT EXISTS aml_cases (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	document   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS aml_cases_status_idx ON aml_cases (status);
`

// Store implements alerts.AlertRepository and alerts.CaseRepository
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) SaveAlert(ctx context.Context, a *domain.Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	const query = `
		INSERT INTO aml_alerts (id, customer_id, status, case_id, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			case_id = EXCLUDED.case_id,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document
	`
	if _, err := s.pool.Exec(ctx, query,
		a.ID, a.CustomerID, string(a.Status), a.CaseID, a.CreatedAt, a.UpdatedAt, doc,
	); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM aml_alerts WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	var a domain.Alert
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("failed to decode alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) ListAlerts(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	query, args := alertQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return collect[domain.Alert](rows)
}

func (s *Store) SaveCase(ctx context.Context, c *domain.Case) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal case: %w", err)
	}
	const query = `
		INSERT INTO aml_cases (id, status, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document
	`
	if _, err := s.pool.Exec(ctx, query, c.ID, string(c.Status), c.CreatedAt, c.UpdatedAt, doc); err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM aml_cases WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	var c domain.Case
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("failed to decode case %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) ListCases(ctx context.Context, f domain.CaseFilter) ([]*domain.Case, error) {
	query, args := caseQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	return collect[domain.Case](rows)
}

// alertQuery builds the listing query for f, newest first
func alertQuery(f domain.AlertFilter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT document FROM aml_alerts WHERE 1=1")
	args := []interface{}{}
	argIdx := 1

	add := func(clause string, v interface{}) {
		fmt.Fprintf(&b, clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if f.Status != "" {
		add(" AND status = $%d", string(f.Status))
	}
	if f.CustomerID != "" {
		add(" AND customer_id = $%d", f.CustomerID)
	}
	if f.CaseID != "" {
		add(" AND case_id = $%d", f.CaseID)
	}
	if !f.From.IsZero() {
		add(" AND created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add(" AND created_at <= $%d", f.To)
	}

	limit, offset := alerts.PageBounds(f.Limit, f.Offset)
	b.WriteString(" ORDER BY created_at DESC, id")
	add(" LIMIT $%d", limit)
	add(" OFFSET $%d", offset)
	return b.String(), args
}

func caseQuery(f domain.CaseFilter) (string, []interface{}) {
	query := "SELECT document FROM aml_cases WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit, offset := alerts.PageBounds(f.Limit, f.Offset)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return query, args
}

func collect[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()
	out := []*T{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		item := new(T)
		if err := json.Unmarshal(doc, item); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}
