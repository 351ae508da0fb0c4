package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmarket/skillmarket/internal/alerts"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
	"github.com/skillmarket/skillmarket/internal/messaging"
	"github.com/skillmarket/skillmarket/internal/payments"
)

// Effects is the production Applier: it turns outbox rows into notification
// and message inserts, queued emails, escrow capture/void calls, and
// realtime events.
type Effects struct {
	pool     *pgxpool.Pool
	alerts   *alerts.Client
	provider payments.Provider
	bus      *messaging.Bus
	log      *slog.Logger
}

func NewEffects(pool *pgxpool.Pool, alertsClient *alerts.Client, provider payments.Provider, bus *messaging.Bus, log *slog.Logger) *Effects {
	return &Effects{pool: pool, alerts: alertsClient, provider: provider, bus: bus, log: log}
}

func (e *Effects) Apply(ctx context.Context, rec lifecycle.OutboxRecord) error {
	switch rec.Kind {
	case lifecycle.KindOrderMessage:
		return e.applyOrderMessage(ctx, rec)
	case lifecycle.KindNotification:
		return e.applyNotification(ctx, rec)
	case lifecycle.KindEmail:
		return e.applyEmail(ctx, rec)
	case lifecycle.KindCapture:
		return e.applyEscrow(ctx, rec, "captured")
	case lifecycle.KindVoid:
		return e.applyEscrow(ctx, rec, "voided")
	case lifecycle.KindEvent:
		e.bus.Publish(rec.OrderID, rec.Payload)
		return nil
	default:
		e.log.Warn("unknown outbox kind, dropping", slog.String("kind", rec.Kind), slog.Int64("id", rec.ID))
		return nil
	}
}

func (e *Effects) applyOrderMessage(ctx context.Context, rec lifecycle.OutboxRecord) error {
	var p lifecycle.MessagePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}
	if _, err := e.pool.Exec(ctx,
		`INSERT INTO order_messages (order_id, sender, body) VALUES ($1, $2, $3)`,
		p.OrderID, p.Sender, p.Body,
	); err != nil {
		return fmt.Errorf("insert order message: %w", err)
	}
	return nil
}

func (e *Effects) applyNotification(ctx context.Context, rec lifecycle.OutboxRecord) error {
	var p lifecycle.NotificationPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	if _, err := e.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, type, title, body, link)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.UserID, p.Type, p.Title, p.Body, p.Link,
	); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (e *Effects) applyEmail(ctx context.Context, rec lifecycle.OutboxRecord) error {
	var p lifecycle.EmailPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("decode email payload: %w", err)
	}
	var email string
	err := e.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, p.UserID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// User is gone; nothing to send, and retrying won't change that.
			e.log.Warn("email recipient no longer exists", slog.String("user_id", p.UserID))
			return nil
		}
		return fmt.Errorf("look up recipient: %w", err)
	}
	return e.alerts.EnqueueOrderEmail(p.Task, p.OrderID, p.UserID, email, p.Amount)
}

// applyEscrow drives the processor call and appends the ledger row. The
// ledger insert is the dedup guard: if a previous attempt already recorded
// the movement, the record is considered applied.
func (e *Effects) applyEscrow(ctx context.Context, rec lifecycle.OutboxRecord, ledgerKind string) error {
	var p lifecycle.EscrowPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("decode escrow payload: %w", err)
	}

	var already bool
	if err := e.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_events WHERE order_id = $1 AND kind = $2)`,
		p.OrderID, ledgerKind,
	).Scan(&already); err != nil {
		return fmt.Errorf("check payment ledger: %w", err)
	}
	if already {
		return nil
	}

	var err error
	if ledgerKind == "captured" {
		err = e.provider.CaptureHold(ctx, p.HoldRef)
	} else {
		err = e.provider.VoidHold(ctx, p.HoldRef)
	}
	if err != nil {
		return err
	}

	if _, err := e.pool.Exec(ctx,
		`INSERT INTO payment_events (order_id, kind, amount_cents, hold_ref)
		 VALUES ($1, $2, $3, $4)`,
		p.OrderID, ledgerKind, p.AmountCents, p.HoldRef,
	); err != nil {
		return fmt.Errorf("insert payment ledger row: %w", err)
	}
	return nil
}
