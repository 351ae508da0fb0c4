package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmarket/skillmarket/internal/apperr"
)

// PGStore runs engine transactions against Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const orderColumns = `id, buyer_id, seller_id, service_id, package_id, status,
	amount_cents, commission_rate, commission_cents, requirements,
	delivery_due_at, delivery_message, cancellation_reason,
	revision_count, revision_limit, hold_ref, version, completed_at,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ServiceID, &o.PackageID, &status,
		&o.AmountCents, &o.CommissionRate, &o.CommissionCents, &o.Requirements,
		&o.DeliveryDueAt, &o.DeliveryMessage, &o.CancellationReason,
		&o.RevisionCount, &o.RevisionLimit, &o.HoldRef, &o.Version, &o.CompletedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("order not found")
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = Status(status)
	return &o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (t *pgTx) PaymentConfirmed(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM payment_events WHERE order_id = $1 AND kind = 'hold_confirmed'
		)`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payment confirmation: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ApplyTransition(ctx context.Context, upd *StatusUpdate) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET
			status = $1,
			delivery_message = COALESCE($2, delivery_message),
			cancellation_reason = COALESCE($3, cancellation_reason),
			completed_at = COALESCE($4, completed_at),
			revision_count = revision_count + CASE WHEN $5 THEN 1 ELSE 0 END,
			version = version + 1,
			updated_at = NOW()
		 WHERE id = $6 AND version = $7`,
		string(upd.To), upd.DeliveryMessage, upd.CancellationReason,
		upd.CompletedAt, upd.IncRevision, upd.OrderID, upd.FromVersion,
	)
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, recs []OutboxRecord) error {
	for _, r := range recs {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO outbox (order_id, kind, payload) VALUES ($1, $2, $3)`,
			r.OrderID, r.Kind, r.Payload,
		); err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
	}
	return nil
}

func (t *pgTx) SetHoldRef(ctx context.Context, orderID, holdRef string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE orders SET hold_ref = $1, updated_at = NOW()
		 WHERE id = $2 AND hold_ref IS NULL`,
		holdRef, orderID,
	); err != nil {
		return fmt.Errorf("set hold ref: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPaymentEvent(ctx context.Context, ev PaymentEvent) error {
	var holdRef *string
	if ev.HoldRef != "" {
		holdRef = &ev.HoldRef
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO payment_events (order_id, kind, amount_cents, hold_ref)
		 VALUES ($1, $2, $3, $4)`,
		ev.OrderID, ev.Kind, ev.AmountCents, holdRef,
	); err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload)
		 VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertIntegrityFlag(ctx context.Context, orderID, reason string, details []byte) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO integrity_flags (order_id, reason, details) VALUES ($1, $2, $3)`,
		orderID, reason, details,
	); err != nil {
		return fmt.Errorf("insert integrity flag: %w", err)
	}
	return nil
}

func (t *pgTx) OpenDispute(ctx context.Context, d Dispute) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO disputes (order_id, filer_id, reason) VALUES ($1, $2, $3)`,
		d.OrderID, d.FilerID, d.Reason,
	); err != nil {
		return fmt.Errorf("open dispute: %w", err)
	}
	return nil
}

func (t *pgTx) ResolveDispute(ctx context.Context, orderID, resolution, operatorID string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE disputes SET status = 'resolved', resolution = $1, resolved_by = $2, resolved_at = NOW()
		 WHERE order_id = $3 AND status = 'open'`,
		resolution, operatorID, orderID,
	); err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	return nil
}
