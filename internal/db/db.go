package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmarket/skillmarket/internal/config"
)

// Connect opens the shared Postgres pool.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name,
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureAuxTables creates the operational tables the workers depend on when a
// deployment runs ahead of its migrations. Schema of record lives in
// migrations/; this only covers tables whose absence would lose data
// (outbox rows, webhook dedup) rather than just fail a request.
func EnsureAuxTables(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			order_id UUID NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','dispatched')),
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dispatched_at TIMESTAMPTZ NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(next_attempt_at) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS integrity_flags (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			order_id UUID NOT NULL,
			reason TEXT NOT NULL,
			details JSONB NULL,
			resolved_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			log.Warn("aux table ensure failed", slog.Any("error", err))
		}
	}
}
