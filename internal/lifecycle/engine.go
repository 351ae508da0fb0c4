package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillmarket/skillmarket/internal/apperr"
)

// Store is the transactional boundary the engine runs inside.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes a transition may combine atomically.
type Tx interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	// PaymentConfirmed reports whether a hold_confirmed ledger row exists
	// for the order, independent of its current status.
	PaymentConfirmed(ctx context.Context, orderID string) (bool, error)
	// ApplyTransition performs the guarded status write. Returns false when
	// the version check lost a concurrent race.
	ApplyTransition(ctx context.Context, upd *StatusUpdate) (bool, error)
	AppendOutbox(ctx context.Context, recs []OutboxRecord) error
	// SetHoldRef adopts a hold reference for an order that has none yet,
	// e.g. when the creation path died before persisting it.
	SetHoldRef(ctx context.Context, orderID, holdRef string) error
	InsertPaymentEvent(ctx context.Context, ev PaymentEvent) error
	InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	InsertIntegrityFlag(ctx context.Context, orderID, reason string, details []byte) error
	OpenDispute(ctx context.Context, d Dispute) error
	ResolveDispute(ctx context.Context, orderID, resolution, operatorID string) error
}

// Engine is the single authority over order status. Every mutation path
// (HTTP handlers, the payment webhook, the abandoned-hold reaper) goes
// through Attempt.
type Engine struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func New(store Store, log *slog.Logger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// Attempt validates and applies one transition in its own transaction.
func (e *Engine) Attempt(ctx context.Context, orderID string, action Action, actor Actor, p Params) (*Order, error) {
	var out *Order
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		o, err := e.AttemptIn(ctx, tx, orderID, action, actor, p)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AttemptIn runs the transition inside a caller-owned transaction so callers
// like the webhook can combine it with their own idempotency writes.
func (e *Engine) AttemptIn(ctx context.Context, tx Tx, orderID string, action Action, actor Actor, p Params) (*Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	r, ok := transitions[action]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unknown action %q", action))
	}
	if err := checkActor(o, r.party, actor); err != nil {
		return nil, err
	}
	if !r.allowsFrom(o.Status) {
		terr := &TransitionError{Current: o.Status, Action: action}
		return nil, apperr.Wrap(apperr.KindValidation, terr.Error(), terr)
	}

	now := e.now()
	upd := &StatusUpdate{OrderID: o.ID, FromVersion: o.Version, To: r.to}
	from := o.Status

	switch action {
	case ActionStart:
		// The seller may only start once the hold has actually been
		// confirmed. The ledger row survives even if the webhook's own
		// transition lost a race, so this stays consistent either way.
		confirmed, err := tx.PaymentConfirmed(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if !confirmed {
			return nil, apperr.Validation("payment has not been confirmed for this order")
		}
	case ActionDeliver:
		if p.DeliveryMessage == "" {
			return nil, apperr.Validation("delivery message is required")
		}
		upd.DeliveryMessage = &p.DeliveryMessage
	case ActionAccept:
		upd.CompletedAt = &now
	case ActionRequestRevision:
		if o.RevisionLimit >= 0 && o.RevisionCount >= o.RevisionLimit {
			return nil, apperr.Validation("revision allowance for this package is exhausted")
		}
		if p.Reason == "" {
			return nil, apperr.Validation("revision request needs a description of the changes")
		}
		upd.IncRevision = true
	case ActionPaymentFailed:
		reason := p.Reason
		if reason == "" {
			reason = "payment failed"
		}
		upd.CancellationReason = &reason
	case ActionCancel:
		reason := p.Reason
		if reason == "" {
			reason = "cancelled by buyer"
		}
		upd.CancellationReason = &reason
	case ActionDispute:
		if p.Reason == "" {
			return nil, apperr.Validation("dispute reason is required")
		}
	case ActionResolveDispute:
		switch p.Resolution {
		case "release":
			upd.To = StatusCompleted
			upd.CompletedAt = &now
		case "refund":
			upd.To = StatusCancelled
			reason := "dispute resolved: refund to buyer"
			if p.Reason != "" {
				reason = p.Reason
			}
			upd.CancellationReason = &reason
		default:
			return nil, apperr.Validation("resolution must be release or refund")
		}
	}

	applied, err := tx.ApplyTransition(ctx, upd)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperr.Conflict("order was modified concurrently, re-read and retry")
	}

	if action == ActionDispute {
		if err := tx.OpenDispute(ctx, Dispute{OrderID: o.ID, FilerID: actor.ID, Reason: p.Reason}); err != nil {
			return nil, err
		}
	}
	if action == ActionResolveDispute {
		if err := tx.ResolveDispute(ctx, o.ID, p.Resolution, actor.ID); err != nil {
			return nil, err
		}
	}

	recs, err := e.sideEffects(o, action, actor, p, upd, now)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendOutbox(ctx, recs); err != nil {
		return nil, err
	}

	applyToCopy(o, upd, now)
	e.log.Info("order transition applied",
		slog.String("order_id", o.ID),
		slog.String("action", string(action)),
		slog.String("from", string(from)),
		slog.String("to", string(o.Status)),
	)
	return o, nil
}

func checkActor(o *Order, required party, actor Actor) error {
	switch required {
	case partySystem:
		if !actor.System {
			return apperr.Authorization("only the payment processor may report this")
		}
	case partyOperator:
		if !actor.Operator {
			return apperr.Authorization("operator access required")
		}
	case partyBuyer:
		if actor.ID != o.BuyerID {
			return apperr.Authorization("only the buyer of this order may do that")
		}
	case partySeller:
		if actor.ID != o.SellerID {
			return apperr.Authorization("only the seller of this order may do that")
		}
	case partyParticipant:
		if actor.ID != o.BuyerID && actor.ID != o.SellerID {
			return apperr.Authorization("you are not a party to this order")
		}
	}
	return nil
}

func applyToCopy(o *Order, upd *StatusUpdate, now time.Time) {
	o.Status = upd.To
	o.Version++
	o.UpdatedAt = now
	if upd.DeliveryMessage != nil {
		o.DeliveryMessage = upd.DeliveryMessage
	}
	if upd.CancellationReason != nil {
		o.CancellationReason = upd.CancellationReason
	}
	if upd.CompletedAt != nil {
		o.CompletedAt = upd.CompletedAt
	}
	if upd.IncRevision {
		o.RevisionCount++
	}
}

// sideEffects builds the outbox rows for an applied transition: a system
// message on the order thread, notifications to the affected parties, an
// email intent, the realtime event, and escrow capture/void when the order
// reached a terminal status.
func (e *Engine) sideEffects(o *Order, action Action, actor Actor, p Params, upd *StatusUpdate, now time.Time) ([]OutboxRecord, error) {
	holdRef := ""
	if o.HoldRef != nil {
		holdRef = *o.HoldRef
	}
	ev := TransitionEvent{
		OrderID:     o.ID,
		Action:      action,
		From:        o.Status,
		To:          upd.To,
		ActorID:     actor.ID,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		AmountCents: o.AmountCents,
		HoldRef:     holdRef,
		Message:     p.DeliveryMessage,
		Reason:      p.Reason,
		At:          now,
	}

	var recs []OutboxRecord
	add := func(kind string, payload any) error {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		recs = append(recs, OutboxRecord{OrderID: o.ID, Kind: kind, Payload: b})
		return nil
	}

	link := "/orders/" + o.ID

	notify := func(userID, ntype, title, body string) error {
		return add(KindNotification, NotificationPayload{UserID: userID, Type: ntype, Title: title, Body: body, Link: link})
	}
	email := func(userID, task string) error {
		return add(KindEmail, EmailPayload{UserID: userID, Task: task, OrderID: o.ID, Amount: o.AmountCents})
	}
	threadMsg := func(body string) error {
		return add(KindOrderMessage, MessagePayload{OrderID: o.ID, Sender: "system", Body: body})
	}

	var err error
	switch action {
	case ActionPaymentConfirmed, ActionStart:
		err = firstErr(
			threadMsg("Payment confirmed. The order is now in progress."),
			notify(o.SellerID, "order_started", "Order started", "Payment is confirmed; you can begin work."),
			email(o.SellerID, "email:order_started"),
		)
	case ActionDeliver:
		err = firstErr(
			add(KindOrderMessage, MessagePayload{OrderID: o.ID, Sender: o.SellerID, Body: p.DeliveryMessage}),
			notify(o.BuyerID, "order_delivered", "Order delivered", "The seller delivered your order. Review and accept to release payment."),
			email(o.BuyerID, "email:order_delivered"),
		)
	case ActionAccept:
		err = firstErr(
			threadMsg("Delivery accepted. Order completed."),
			notify(o.SellerID, "order_completed", "Order completed", "The buyer accepted your delivery. Funds are being released."),
			email(o.SellerID, "email:order_completed"),
		)
	case ActionRequestRevision:
		err = firstErr(
			add(KindOrderMessage, MessagePayload{OrderID: o.ID, Sender: o.BuyerID, Body: p.Reason}),
			notify(o.SellerID, "revision_requested", "Revision requested", "The buyer requested changes to the delivery."),
			email(o.SellerID, "email:revision_requested"),
		)
	case ActionPaymentFailed:
		err = firstErr(
			threadMsg("Payment failed. The order was cancelled."),
			notify(o.BuyerID, "order_cancelled", "Payment failed", "Your payment could not be completed and the order was cancelled."),
			email(o.BuyerID, "email:order_cancelled"),
		)
	case ActionCancel:
		err = firstErr(
			threadMsg("Order cancelled by the buyer."),
			notify(o.SellerID, "order_cancelled", "Order cancelled", "The buyer cancelled the order."),
			email(o.SellerID, "email:order_cancelled"),
		)
	case ActionDispute:
		other := o.SellerID
		if actor.ID == o.SellerID {
			other = o.BuyerID
		}
		err = firstErr(
			threadMsg("A dispute was opened: "+p.Reason),
			notify(other, "order_disputed", "Order disputed", "The other party opened a dispute on this order."),
		)
	case ActionResolveDispute:
		err = firstErr(
			threadMsg("Dispute resolved: "+p.Resolution),
			notify(o.BuyerID, "dispute_resolved", "Dispute resolved", "An operator resolved the dispute on your order."),
			notify(o.SellerID, "dispute_resolved", "Dispute resolved", "An operator resolved the dispute on your order."),
		)
	}
	if err != nil {
		return nil, err
	}

	// Escrow follow-through rides the outbox so a crash after commit cannot
	// lose a capture or refund.
	if holdRef != "" {
		switch upd.To {
		case StatusCompleted:
			if err := add(KindCapture, EscrowPayload{OrderID: o.ID, HoldRef: holdRef, AmountCents: o.AmountCents}); err != nil {
				return nil, err
			}
		case StatusCancelled:
			if err := add(KindVoid, EscrowPayload{OrderID: o.ID, HoldRef: holdRef, AmountCents: o.AmountCents}); err != nil {
				return nil, err
			}
		}
	}

	if err := add(KindEvent, ev); err != nil {
		return nil, err
	}
	return recs, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
