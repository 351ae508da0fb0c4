package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
)

// Reaper cancels pending orders whose payment hold never got a webhook
// confirmation inside the allowed window. Cancellation goes through the
// engine like every other transition, so notifications and any hold void
// ride the normal outbox path.
type Reaper struct {
	pool    *pgxpool.Pool
	engine  *lifecycle.Engine
	timeout time.Duration
	log     *slog.Logger
}

func NewReaper(pool *pgxpool.Pool, engine *lifecycle.Engine, timeout time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{pool: pool, engine: engine, timeout: timeout, log: log}
}

// Run sweeps periodically until the context is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

func (r *Reaper) SweepOnce(ctx context.Context) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM orders WHERE status = 'pending' AND created_at < NOW() - $1::interval`,
		r.timeout.String())
	if err != nil {
		r.log.Error("reaper query failed", slog.Any("error", err))
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			r.log.Error("reaper scan failed", slog.Any("error", err))
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		_, err := r.engine.Attempt(ctx, id, lifecycle.ActionPaymentFailed,
			lifecycle.Actor{System: true},
			lifecycle.Params{Reason: "payment confirmation not received in time; order abandoned"},
		)
		if err != nil {
			// A conflict just means a webhook beat us to it.
			var ae *apperr.Error
			if errors.As(err, &ae) && (ae.Kind == apperr.KindConflict || ae.Kind == apperr.KindValidation) {
				continue
			}
			r.log.Error("reaper cancel failed", slog.String("order_id", id), slog.Any("error", err))
			continue
		}
		r.log.Info("abandoned order cancelled", slog.String("order_id", id))
	}
}
