package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillmarket/skillmarket/internal/apperr"
)

// fakeTx is an in-memory Tx that records every write the engine makes.
type fakeTx struct {
	order            *Order
	paymentConfirmed bool
	applyResult      bool
	applied          []StatusUpdate
	outbox           []OutboxRecord
	disputes         []Dispute
	resolutions      []string
}

func (f *fakeTx) GetOrder(_ context.Context, id string) (*Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, apperr.NotFound("order not found")
	}
	cp := *f.order
	return &cp, nil
}

func (f *fakeTx) PaymentConfirmed(_ context.Context, _ string) (bool, error) {
	return f.paymentConfirmed, nil
}

func (f *fakeTx) ApplyTransition(_ context.Context, upd *StatusUpdate) (bool, error) {
	f.applied = append(f.applied, *upd)
	return f.applyResult, nil
}

func (f *fakeTx) AppendOutbox(_ context.Context, recs []OutboxRecord) error {
	f.outbox = append(f.outbox, recs...)
	return nil
}

func (f *fakeTx) SetHoldRef(_ context.Context, _, _ string) error { return nil }

func (f *fakeTx) InsertPaymentEvent(_ context.Context, _ PaymentEvent) error { return nil }

func (f *fakeTx) InsertWebhookEvent(_ context.Context, _, _ string, _ []byte) (bool, error) {
	return true, nil
}

func (f *fakeTx) InsertIntegrityFlag(_ context.Context, _, _ string, _ []byte) error { return nil }

func (f *fakeTx) OpenDispute(_ context.Context, d Dispute) error {
	f.disputes = append(f.disputes, d)
	return nil
}

func (f *fakeTx) ResolveDispute(_ context.Context, _, resolution, _ string) error {
	f.resolutions = append(f.resolutions, resolution)
	return nil
}

type fakeStore struct{ tx *fakeTx }

func (f *fakeStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	return fn(f.tx)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOrder(status Status) *Order {
	hold := "hold_abc"
	return &Order{
		ID:            "ord-1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		ServiceID:     "svc-1",
		Status:        status,
		AmountCents:   5000,
		RevisionLimit: 1,
		HoldRef:       &hold,
		Version:       3,
	}
}

func newEngineWith(tx *fakeTx) *Engine {
	e := New(&fakeStore{tx: tx}, discardLogger())
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func outboxKinds(recs []OutboxRecord) []string {
	kinds := make([]string, 0, len(recs))
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func TestAttempt_SellerStartsConfirmedOrder(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusPending), paymentConfirmed: true, applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionStart, Actor{ID: "seller-1"}, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, o.Status)
	assert.Equal(t, int64(4), o.Version)

	require.Len(t, tx.applied, 1)
	assert.Equal(t, int64(3), tx.applied[0].FromVersion)
	assert.Equal(t, StatusInProgress, tx.applied[0].To)
}

func TestAttempt_StartWithoutConfirmedPaymentRejected(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusPending), paymentConfirmed: false, applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionStart, Actor{ID: "seller-1"}, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, tx.applied)
}

func TestAttempt_IllegalEdgeRejected(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusPending), applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionAccept, Actor{ID: "buyer-1"}, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusPending, terr.Current)
	assert.Equal(t, ActionAccept, terr.Action)
}

func TestAttempt_TerminalOrderRejectsEverything(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusCancelled} {
		tx := &fakeTx{order: testOrder(status), applyResult: true}
		e := newEngineWith(tx)

		_, err := e.Attempt(context.Background(), "ord-1", ActionDispute, Actor{ID: "buyer-1"}, Params{Reason: "x"})
		require.Error(t, err, "status %s", status)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

func TestAttempt_WrongActorRejected(t *testing.T) {
	cases := []struct {
		name   string
		action Action
		actor  Actor
		status Status
	}{
		{"buyer cannot start", ActionStart, Actor{ID: "buyer-1"}, StatusPending},
		{"seller cannot accept", ActionAccept, Actor{ID: "seller-1"}, StatusDelivered},
		{"stranger cannot dispute", ActionDispute, Actor{ID: "nobody"}, StatusInProgress},
		{"user cannot report payment", ActionPaymentConfirmed, Actor{ID: "buyer-1"}, StatusPending},
		{"user cannot resolve dispute", ActionResolveDispute, Actor{ID: "buyer-1"}, StatusDisputed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &fakeTx{order: testOrder(tc.status), paymentConfirmed: true, applyResult: true}
			e := newEngineWith(tx)

			_, err := e.Attempt(context.Background(), "ord-1", tc.action, tc.actor, Params{Reason: "r"})
			require.Error(t, err)
			assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
			assert.Empty(t, tx.applied)
		})
	}
}

func TestAttempt_VersionConflictSurfacesAsConflict(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusPending), paymentConfirmed: true, applyResult: false}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionStart, Actor{ID: "seller-1"}, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Empty(t, tx.outbox, "no side effects when the write lost the race")
}

func TestAttempt_DeliverRequiresMessage(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusInProgress), applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionDeliver, Actor{ID: "seller-1"}, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	o, err := e.Attempt(context.Background(), "ord-1", ActionDeliver, Actor{ID: "seller-1"}, Params{DeliveryMessage: "done, see attachment"})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)
	require.NotNil(t, o.DeliveryMessage)
	assert.Equal(t, "done, see attachment", *o.DeliveryMessage)
}

func TestAttempt_DeliverAllowedFromRevision(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusInRevision), applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionDeliver, Actor{ID: "seller-1"}, Params{DeliveryMessage: "revised"})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)
}

func TestAttempt_AcceptSetsCompletedAtAndCapturesHold(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusDelivered), applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionAccept, Actor{ID: "buyer-1"}, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	require.NotNil(t, o.CompletedAt)

	kinds := outboxKinds(tx.outbox)
	assert.Contains(t, kinds, KindCapture)
	assert.NotContains(t, kinds, KindVoid)
	assert.Equal(t, KindEvent, kinds[len(kinds)-1], "transition event is always appended last")
}

func TestAttempt_RevisionBudget(t *testing.T) {
	order := testOrder(StatusDelivered)
	order.RevisionLimit = 1
	order.RevisionCount = 1
	tx := &fakeTx{order: order, applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionRequestRevision, Actor{ID: "buyer-1"}, Params{Reason: "needs work"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAttempt_UnlimitedRevisions(t *testing.T) {
	order := testOrder(StatusDelivered)
	order.RevisionLimit = -1
	order.RevisionCount = 40
	tx := &fakeTx{order: order, applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionRequestRevision, Actor{ID: "buyer-1"}, Params{Reason: "again"})
	require.NoError(t, err)
	assert.Equal(t, StatusInRevision, o.Status)
	assert.Equal(t, 41, o.RevisionCount)
}

func TestAttempt_CancelVoidsHold(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusPending), applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionCancel, Actor{ID: "buyer-1"}, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	require.NotNil(t, o.CancellationReason)
	assert.Equal(t, "cancelled by buyer", *o.CancellationReason)

	kinds := outboxKinds(tx.outbox)
	assert.Contains(t, kinds, KindVoid)
	assert.NotContains(t, kinds, KindCapture)
}

func TestAttempt_CancelWithoutHoldSkipsVoid(t *testing.T) {
	order := testOrder(StatusPending)
	order.HoldRef = nil
	tx := &fakeTx{order: order, applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionCancel, Actor{ID: "buyer-1"}, Params{})
	require.NoError(t, err)
	assert.NotContains(t, outboxKinds(tx.outbox), KindVoid)
}

func TestAttempt_DisputeOpensRecord(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusInProgress), applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionDispute, Actor{ID: "seller-1"}, Params{Reason: "buyer unreachable"})
	require.NoError(t, err)
	require.Len(t, tx.disputes, 1)
	assert.Equal(t, "seller-1", tx.disputes[0].FilerID)
	assert.Equal(t, "buyer unreachable", tx.disputes[0].Reason)
}

func TestAttempt_DisputeRequiresReason(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusInProgress), applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionDispute, Actor{ID: "buyer-1"}, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAttempt_ResolveDisputeRelease(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusDisputed), applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionResolveDispute,
		Actor{ID: "op-1", Operator: true}, Params{Resolution: "release"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	require.Len(t, tx.resolutions, 1)
	assert.Equal(t, "release", tx.resolutions[0])
	assert.Contains(t, outboxKinds(tx.outbox), KindCapture)
}

func TestAttempt_ResolveDisputeRefund(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusDisputed), applyResult: true}
	e := newEngineWith(tx)

	o, err := e.Attempt(context.Background(), "ord-1", ActionResolveDispute,
		Actor{ID: "op-1", Operator: true}, Params{Resolution: "refund"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Contains(t, outboxKinds(tx.outbox), KindVoid)
}

func TestAttempt_ResolveDisputeBadResolution(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusDisputed), applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionResolveDispute,
		Actor{ID: "op-1", Operator: true}, Params{Resolution: "split"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAttempt_DeliverNotificationTargetsBuyer(t *testing.T) {
	tx := &fakeTx{order: testOrder(StatusInProgress), applyResult: true}
	e := newEngineWith(tx)

	_, err := e.Attempt(context.Background(), "ord-1", ActionDeliver, Actor{ID: "seller-1"}, Params{DeliveryMessage: "here you go"})
	require.NoError(t, err)

	var found bool
	for _, rec := range tx.outbox {
		if rec.Kind != KindNotification {
			continue
		}
		var p NotificationPayload
		require.NoError(t, json.Unmarshal(rec.Payload, &p))
		assert.Equal(t, "buyer-1", p.UserID)
		assert.Equal(t, "order_delivered", p.Type)
		found = true
	}
	assert.True(t, found)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusDisputed.Terminal())
}
