package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/skillmarket/skillmarket/internal/config"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
)

// Store claims and settles outbox rows.
type Store interface {
	// ClaimPending returns due pending rows in insertion order, excluding
	// rows whose earlier sibling for the same order is still backed off.
	ClaimPending(ctx context.Context, limit int) ([]lifecycle.OutboxRecord, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time) error
}

// Applier performs the effect a record describes. Must be safe to call more
// than once for the same record: the drainer guarantees at-least-once, not
// exactly-once.
type Applier interface {
	Apply(ctx context.Context, rec lifecycle.OutboxRecord) error
}

// Drainer turns committed outbox rows into their effects. Records for one
// order are applied strictly in insertion order; different orders proceed in
// parallel across the worker pool. A failed record backs off and blocks its
// order's later records until it succeeds, so a "delivered" notification can
// never overtake "in_progress".
type Drainer struct {
	store      Store
	applier    Applier
	log        *slog.Logger
	poll       time.Duration
	batch      int
	workers    int
	maxBackoff time.Duration
}

func NewDrainer(store Store, applier Applier, cfg config.OutboxConfig, log *slog.Logger) *Drainer {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Drainer{
		store:      store,
		applier:    applier,
		log:        log,
		poll:       cfg.PollInterval,
		batch:      cfg.BatchSize,
		workers:    workers,
		maxBackoff: cfg.MaxBackoff,
	}
}

// Run polls until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce claims one batch and applies it.
func (d *Drainer) DrainOnce(ctx context.Context) {
	recs, err := d.store.ClaimPending(ctx, d.batch)
	if err != nil {
		d.log.Error("outbox claim failed", slog.Any("error", err))
		return
	}
	if len(recs) == 0 {
		return
	}

	// Group per order, preserving insertion order inside each group.
	groups := make(map[string][]lifecycle.OutboxRecord)
	var orderIDs []string
	for _, r := range recs {
		if _, seen := groups[r.OrderID]; !seen {
			orderIDs = append(orderIDs, r.OrderID)
		}
		groups[r.OrderID] = append(groups[r.OrderID], r)
	}

	sem := make(chan struct{}, d.workers)
	done := make(chan struct{})
	for _, id := range orderIDs {
		group := groups[id]
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			d.applyGroup(ctx, group)
		}()
	}
	for range orderIDs {
		<-done
	}
}

func (d *Drainer) applyGroup(ctx context.Context, group []lifecycle.OutboxRecord) {
	for _, rec := range group {
		if err := d.applier.Apply(ctx, rec); err != nil {
			attempts := rec.Attempts + 1
			next := time.Now().Add(d.backoff(attempts))
			d.log.Warn("outbox record failed",
				slog.Int64("id", rec.ID),
				slog.String("kind", rec.Kind),
				slog.String("order_id", rec.OrderID),
				slog.Int("attempts", attempts),
				slog.Any("error", err),
			)
			if err := d.store.MarkFailed(ctx, rec.ID, attempts, next); err != nil {
				d.log.Error("outbox mark failed errored", slog.Int64("id", rec.ID), slog.Any("error", err))
			}
			// Later records for this order wait behind the failed one.
			return
		}
		if err := d.store.MarkDispatched(ctx, rec.ID); err != nil {
			// The effect happened but the row stays pending; the applier
			// will see the record again, hence the at-least-once contract.
			d.log.Error("outbox mark dispatched errored", slog.Int64("id", rec.ID), slog.Any("error", err))
			return
		}
	}
}

func (d *Drainer) backoff(attempts int) time.Duration {
	b := time.Second
	for i := 1; i < attempts; i++ {
		b *= 2
		if b >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	if b > d.maxBackoff {
		b = d.maxBackoff
	}
	return b
}
