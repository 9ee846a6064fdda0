package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const budgetSchema = `
CREATE TABLE IF NOT EXISTS budget_limits (
	entity      TEXT NOT NULL,
	category    TEXT NOT NULL,
	spend_limit BIGINT NOT NULL,
	PRIMARY KEY (entity, category)
);
CREATE TABLE IF NOT EXISTS budget_spend (
	entity       TEXT NOT NULL,
	category     TEXT NOT NULL,
	period       TEXT NOT NULL,
	used         BIGINT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity, category, period)
);
`

// Init creates the budget tables when they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, budgetSchema)
	return err
}

func (s *PostgresStore) Snapshot(ctx context.Context, entity, category, period string) (*Snapshot, error) {
	snap := &Snapshot{Entity: entity, Category: category, Period: period, AsOf: time.Now().UTC()}

	row := s.db.QueryRowContext(ctx,
		"SELECT spend_limit FROM budget_limits WHERE entity = $1 AND category = $2",
		entity, category)
	if err := row.Scan(&snap.Limit); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get budget limit: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		"SELECT used FROM budget_spend WHERE entity = $1 AND category = $2 AND period = $3",
		entity, category, period)
	if err := row.Scan(&snap.Used); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get budget usage: %w", err)
	}

	return snap, nil
}

func (s *PostgresStore) SetLimit(ctx context.Context, entity, category string, limit int64) error {
	query := `
		INSERT INTO budget_limits (entity, category, spend_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity, category) DO UPDATE SET
			spend_limit = EXCLUDED.spend_limit
	`
	if _, err := s.db.ExecContext(ctx, query, entity, category, limit); err != nil {
		return fmt.Errorf("failed to set budget limit: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordSpend(ctx context.Context, entity, category, period string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("budget: negative spend %d", amount)
	}
	query := `
		INSERT INTO budget_spend (entity, category, period, used, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity, category, period) DO UPDATE SET
			used = budget_spend.used + EXCLUDED.used,
			last_updated = EXCLUDED.last_updated
	`
	if _, err := s.db.ExecContext(ctx, query, entity, category, period, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	return nil
}
