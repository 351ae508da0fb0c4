package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmarket/skillmarket/internal/lifecycle"
)

// PGStore reads and settles outbox rows in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) ClaimPending(ctx context.Context, limit int) ([]lifecycle.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.id, o.order_id, o.kind, o.payload, o.status, o.attempts, o.next_attempt_at, o.created_at
		 FROM outbox o
		 WHERE o.status = 'pending' AND o.next_attempt_at <= NOW()
		   AND NOT EXISTS (
			 SELECT 1 FROM outbox e
			 WHERE e.order_id = o.order_id AND e.status = 'pending'
			   AND e.id < o.id AND e.next_attempt_at > NOW()
		   )
		 ORDER BY o.id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox rows: %w", err)
	}
	defer rows.Close()

	var recs []lifecycle.OutboxRecord
	for rows.Next() {
		var r lifecycle.OutboxRecord
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Kind, &r.Payload, &r.Status, &r.Attempts, &r.NextAttemptAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *PGStore) MarkDispatched(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status = 'dispatched', dispatched_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE outbox SET attempts = $1, next_attempt_at = $2 WHERE id = $3`,
		attempts, nextAttemptAt, id); err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}
