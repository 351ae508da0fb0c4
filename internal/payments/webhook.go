package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Payvault-Signature"

const (
	EventHoldSucceeded = "hold.succeeded"
	EventHoldFailed    = "hold.failed"
)

// WebhookEvent is the processor's callback payload.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		HoldRef     string `json:"hold_ref"`
		AmountCents int64  `json:"amount_cents"`
		Reason      string `json:"reason,omitempty"`
		Metadata    struct {
			OrderID string `json:"order_id"`
			BuyerID string `json:"buyer_id"`
		} `json:"metadata"`
	} `json:"data"`
}

// Alerter raises operator alerts for events that need manual review.
type Alerter interface {
	AdminAlert(severity, message string) error
}

// WebhookHandler receives processor callbacks. The event id insert, the
// integrity checks, and the lifecycle transition all share one transaction,
// so a replayed delivery either finds the event row and does nothing, or a
// failed delivery leaves no trace and the processor's retry starts clean.
type WebhookHandler struct {
	secret  []byte
	store   lifecycle.Store
	engine  *lifecycle.Engine
	alerter Alerter
	log     *slog.Logger
}

func NewWebhookHandler(secret string, store lifecycle.Store, engine *lifecycle.Engine, alerter Alerter, log *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: []byte(secret), store: store, engine: engine, alerter: alerter, log: log}
}

func (h *WebhookHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}

	if !h.verifySignature(body, c.Request().Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature verification failed")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed event"})
	}
	if ev.ID == "" || ev.Data.Metadata.OrderID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event id and order id are required"})
	}
	if ev.Type != EventHoldSucceeded && ev.Type != EventHoldFailed {
		// Unknown event types are acknowledged so the processor stops
		// redelivering them.
		h.log.Info("ignoring webhook event type", slog.String("type", ev.Type))
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}

	var flagged bool
	err = h.store.WithinTx(c.Request().Context(), func(tx lifecycle.Tx) error {
		inserted, err := tx.InsertWebhookEvent(c.Request().Context(), ev.ID, ev.Type, body)
		if err != nil {
			return err
		}
		if !inserted {
			// Duplicate delivery: already fully processed.
			return nil
		}
		return h.apply(c.Request().Context(), tx, &ev, body, &flagged)
	})
	if err != nil {
		h.log.Error("webhook processing failed", slog.String("event_id", ev.ID), slog.Any("error", err))
		// Non-2xx makes the processor redeliver; the rolled-back event row
		// keeps the retry idempotent.
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed"})
	}

	if flagged && h.alerter != nil {
		_ = h.alerter.AdminAlert("critical", "payment webhook flagged order "+ev.Data.Metadata.OrderID+" for review")
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}

func (h *WebhookHandler) apply(ctx context.Context, tx lifecycle.Tx, ev *WebhookEvent, body []byte, flagged *bool) error {
	orderID := ev.Data.Metadata.OrderID
	if _, err := uuid.Parse(orderID); err != nil {
		// A garbage id would fail on the uuid-typed order lookup with a
		// non-retryable error; park it instead of making the processor
		// redeliver forever.
		*flagged = true
		return tx.InsertIntegrityFlag(ctx, orderID, "webhook order id is not a valid identifier", body)
	}
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			// Never trust the payload: an unknown order is parked, not dropped.
			*flagged = true
			return tx.InsertIntegrityFlag(ctx, orderID, "webhook for unknown order", body)
		}
		return err
	}

	if o.HoldRef == nil && ev.Data.HoldRef != "" {
		// The creation path persisted the hold at the processor but died
		// before recording the reference. The signed event is authoritative,
		// so adopt it here; otherwise a later capture or void would be
		// silently skipped.
		if err := tx.SetHoldRef(ctx, o.ID, ev.Data.HoldRef); err != nil {
			return err
		}
		o.HoldRef = &ev.Data.HoldRef
	}

	if ev.Data.AmountCents != o.AmountCents {
		*flagged = true
		return tx.InsertIntegrityFlag(ctx, orderID, "webhook amount does not match order", body)
	}
	if o.HoldRef != nil && ev.Data.HoldRef != "" && ev.Data.HoldRef != *o.HoldRef {
		*flagged = true
		return tx.InsertIntegrityFlag(ctx, orderID, "webhook hold reference does not match order", body)
	}

	system := lifecycle.Actor{System: true}
	switch ev.Type {
	case EventHoldSucceeded:
		if err := tx.InsertPaymentEvent(ctx, lifecycle.PaymentEvent{
			OrderID: o.ID, Kind: "hold_confirmed", AmountCents: ev.Data.AmountCents, HoldRef: ev.Data.HoldRef,
		}); err != nil {
			return err
		}
		_, err = h.engine.AttemptIn(ctx, tx, o.ID, lifecycle.ActionPaymentConfirmed, system, lifecycle.Params{})
	case EventHoldFailed:
		if err := tx.InsertPaymentEvent(ctx, lifecycle.PaymentEvent{
			OrderID: o.ID, Kind: "hold_failed", AmountCents: ev.Data.AmountCents, HoldRef: ev.Data.HoldRef,
		}); err != nil {
			return err
		}
		_, err = h.engine.AttemptIn(ctx, tx, o.ID, lifecycle.ActionPaymentFailed, system, lifecycle.Params{Reason: failureReason(ev)})
	}
	if err != nil {
		var terr *lifecycle.TransitionError
		if errors.As(err, &terr) {
			// The order already moved on (e.g. the seller's start won the
			// race). The ledger row above is the durable record; nothing
			// more to apply.
			h.log.Info("webhook transition skipped",
				slog.String("order_id", o.ID), slog.String("status", string(terr.Current)))
			return nil
		}
		return err
	}
	return nil
}

func failureReason(ev *WebhookEvent) string {
	if ev.Data.Reason != "" {
		return "payment failed: " + ev.Data.Reason
	}
	return "payment failed"
}

func (h *WebhookHandler) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

// Sign computes the signature the processor attaches; used by tests and the
// local sandbox sender.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
