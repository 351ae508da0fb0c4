package payments

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
)

const (
	testSecret  = "whsec_test"
	testOrderID = "6f1c4d6e-9a42-4b6a-8f6c-2d7b4a1e9c03"
)

// webhookTx fakes the lifecycle transaction for webhook processing.
type webhookTx struct {
	order         *lifecycle.Order
	seenEventIDs  map[string]bool
	paymentEvents []lifecycle.PaymentEvent
	flags         []string
	flaggedIDs    []string
	transitions   []lifecycle.StatusUpdate
	outbox        []lifecycle.OutboxRecord
	holdRefs      map[string]string
}

func newWebhookTx(order *lifecycle.Order) *webhookTx {
	return &webhookTx{order: order, seenEventIDs: map[string]bool{}, holdRefs: map[string]string{}}
}

func (f *webhookTx) GetOrder(_ context.Context, id string) (*lifecycle.Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, apperr.NotFound("order not found")
	}
	cp := *f.order
	return &cp, nil
}

func (f *webhookTx) PaymentConfirmed(_ context.Context, _ string) (bool, error) {
	for _, ev := range f.paymentEvents {
		if ev.Kind == "hold_confirmed" {
			return true, nil
		}
	}
	return false, nil
}

func (f *webhookTx) ApplyTransition(_ context.Context, upd *lifecycle.StatusUpdate) (bool, error) {
	f.transitions = append(f.transitions, *upd)
	f.order.Status = upd.To
	f.order.Version++
	return true, nil
}

func (f *webhookTx) AppendOutbox(_ context.Context, recs []lifecycle.OutboxRecord) error {
	f.outbox = append(f.outbox, recs...)
	return nil
}

func (f *webhookTx) SetHoldRef(_ context.Context, orderID, holdRef string) error {
	f.holdRefs[orderID] = holdRef
	if f.order != nil && f.order.ID == orderID && f.order.HoldRef == nil {
		f.order.HoldRef = &holdRef
	}
	return nil
}

func (f *webhookTx) InsertPaymentEvent(_ context.Context, ev lifecycle.PaymentEvent) error {
	f.paymentEvents = append(f.paymentEvents, ev)
	return nil
}

func (f *webhookTx) InsertWebhookEvent(_ context.Context, eventID, _ string, _ []byte) (bool, error) {
	if f.seenEventIDs[eventID] {
		return false, nil
	}
	f.seenEventIDs[eventID] = true
	return true, nil
}

func (f *webhookTx) InsertIntegrityFlag(_ context.Context, orderID, reason string, _ []byte) error {
	f.flags = append(f.flags, reason)
	f.flaggedIDs = append(f.flaggedIDs, orderID)
	return nil
}

func (f *webhookTx) OpenDispute(_ context.Context, _ lifecycle.Dispute) error { return nil }

func (f *webhookTx) ResolveDispute(_ context.Context, _, _, _ string) error { return nil }

type webhookStore struct{ tx *webhookTx }

func (s *webhookStore) WithinTx(_ context.Context, fn func(tx lifecycle.Tx) error) error {
	return fn(s.tx)
}

type recordingAlerter struct{ alerts []string }

func (a *recordingAlerter) AdminAlert(_, message string) error {
	a.alerts = append(a.alerts, message)
	return nil
}

func pendingOrder() *lifecycle.Order {
	hold := "hold_abc"
	return &lifecycle.Order{
		ID:          testOrderID,
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		Status:      lifecycle.StatusPending,
		AmountCents: 5000,
		HoldRef:     &hold,
		Version:     1,
	}
}

func successEvent(id string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":   id,
		"type": EventHoldSucceeded,
		"data": map[string]any{
			"hold_ref":     "hold_abc",
			"amount_cents": 5000,
			"metadata":     map[string]any{"order_id": testOrderID, "buyer_id": "buyer-1"},
		},
	})
	return b
}

func deliver(t *testing.T, h *WebhookHandler, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(string(body)))
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))
	return rec
}

func newTestHandler(tx *webhookTx, alerter Alerter) *WebhookHandler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &webhookStore{tx: tx}
	return NewWebhookHandler(testSecret, store, lifecycle.New(store, log), alerter, log)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, nil)
	body := successEvent("evt-1")

	rec := deliver(t, h, body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, tx.transitions, "no state change on a forged delivery")

	rec = deliver(t, h, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_HoldSucceededMovesOrderForward(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, nil)
	body := successEvent("evt-1")

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, tx.transitions, 1)
	assert.Equal(t, lifecycle.StatusInProgress, tx.transitions[0].To)

	require.Len(t, tx.paymentEvents, 1)
	assert.Equal(t, "hold_confirmed", tx.paymentEvents[0].Kind)
}

func TestWebhook_DuplicateEventAppliesOnce(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, nil)
	body := successEvent("evt-1")
	sig := Sign(testSecret, body)

	assert.Equal(t, http.StatusOK, deliver(t, h, body, sig).Code)
	assert.Equal(t, http.StatusOK, deliver(t, h, body, sig).Code)

	assert.Len(t, tx.transitions, 1, "redelivery must not apply a second transition")
	assert.Len(t, tx.paymentEvents, 1)
}

func TestWebhook_AmountMismatchFlagsWithoutTransition(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	alerter := &recordingAlerter{}
	h := newTestHandler(tx, alerter)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt-2",
		"type": EventHoldSucceeded,
		"data": map[string]any{
			"hold_ref":     "hold_abc",
			"amount_cents": 100, // order is 5000
			"metadata":     map[string]any{"order_id": testOrderID},
		},
	})

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, tx.transitions)
	require.Len(t, tx.flags, 1)
	assert.Contains(t, tx.flags[0], "amount")
	assert.Len(t, alerter.alerts, 1)
}

func TestWebhook_HoldRefMismatchFlags(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, &recordingAlerter{})

	body, _ := json.Marshal(map[string]any{
		"id":   "evt-3",
		"type": EventHoldSucceeded,
		"data": map[string]any{
			"hold_ref":     "hold_other",
			"amount_cents": 5000,
			"metadata":     map[string]any{"order_id": testOrderID},
		},
	})

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, tx.transitions)
	require.Len(t, tx.flags, 1)
	assert.Contains(t, tx.flags[0], "hold reference")
}

func TestWebhook_BackfillsMissingHoldRef(t *testing.T) {
	order := pendingOrder()
	order.HoldRef = nil // creation path died before recording the reference
	tx := newWebhookTx(order)
	h := newTestHandler(tx, nil)
	body := successEvent("evt-bf1")

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "hold_abc", tx.holdRefs[testOrderID])
	require.Len(t, tx.transitions, 1)
	assert.Empty(t, tx.flags, "the adopted reference must not read as a mismatch")
}

func TestWebhook_BackfilledHoldRefReachesVoid(t *testing.T) {
	order := pendingOrder()
	order.HoldRef = nil
	tx := newWebhookTx(order)
	h := newTestHandler(tx, nil)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt-bf2",
		"type": EventHoldFailed,
		"data": map[string]any{
			"hold_ref":     "hold_abc",
			"amount_cents": 5000,
			"reason":       "card declined",
			"metadata":     map[string]any{"order_id": testOrderID},
		},
	})

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	var voids int
	for _, r := range tx.outbox {
		if r.Kind == lifecycle.KindVoid {
			voids++
		}
	}
	assert.Equal(t, 1, voids, "cancellation must release the adopted hold")
}

func TestWebhook_MalformedOrderIDFlaggedAndAcked(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	alerter := &recordingAlerter{}
	h := newTestHandler(tx, alerter)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt-bad-id",
		"type": EventHoldSucceeded,
		"data": map[string]any{
			"hold_ref":     "hold_abc",
			"amount_cents": 5000,
			"metadata":     map[string]any{"order_id": "definitely-not-a-uuid"},
		},
	})
	sig := Sign(testSecret, body)

	rec := deliver(t, h, body, sig)
	assert.Equal(t, http.StatusOK, rec.Code, "a 5xx here would make the processor redeliver forever")

	assert.Empty(t, tx.transitions)
	require.Len(t, tx.flags, 1)
	assert.Contains(t, tx.flags[0], "not a valid identifier")
	assert.Equal(t, []string{"definitely-not-a-uuid"}, tx.flaggedIDs)
	assert.Len(t, alerter.alerts, 1)

	// Redelivery of the same broken event is a no-op, not a second flag.
	assert.Equal(t, http.StatusOK, deliver(t, h, body, sig).Code)
	assert.Len(t, tx.flags, 1)
}

func TestWebhook_UnknownOrderFlags(t *testing.T) {
	tx := newWebhookTx(nil)
	alerter := &recordingAlerter{}
	h := newTestHandler(tx, alerter)
	body := successEvent("evt-4")

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, tx.flags, 1)
	assert.Contains(t, tx.flags[0], "unknown order")
	assert.Len(t, alerter.alerts, 1)
}

func TestWebhook_HoldFailedCancelsWithReason(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, nil)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt-5",
		"type": EventHoldFailed,
		"data": map[string]any{
			"hold_ref":     "hold_abc",
			"amount_cents": 5000,
			"reason":       "card declined",
			"metadata":     map[string]any{"order_id": testOrderID},
		},
	})

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, tx.transitions, 1)
	assert.Equal(t, lifecycle.StatusCancelled, tx.transitions[0].To)
	require.NotNil(t, tx.transitions[0].CancellationReason)
	assert.Equal(t, "payment failed: card declined", *tx.transitions[0].CancellationReason)

	require.Len(t, tx.paymentEvents, 1)
	assert.Equal(t, "hold_failed", tx.paymentEvents[0].Kind)
}

func TestWebhook_AlreadyMovedOrderIsAcked(t *testing.T) {
	order := pendingOrder()
	order.Status = lifecycle.StatusInProgress // seller's start already won
	tx := newWebhookTx(order)
	h := newTestHandler(tx, nil)
	body := successEvent("evt-6")

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, tx.transitions)
	require.Len(t, tx.paymentEvents, 1, "the ledger row is still recorded")
	assert.Equal(t, "hold_confirmed", tx.paymentEvents[0].Kind)
}

func TestWebhook_UnknownTypeAcked(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, nil)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt-7",
		"type": "hold.expired",
		"data": map[string]any{"metadata": map[string]any{"order_id": testOrderID}},
	})

	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, tx.transitions)
	assert.Empty(t, tx.seenEventIDs)
}

func TestWebhook_MalformedBodyRejected(t *testing.T) {
	tx := newWebhookTx(pendingOrder())
	h := newTestHandler(tx, nil)

	body := []byte("{not json")
	rec := deliver(t, h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
