package lifecycle

import (
	"fmt"
	"time"
)

// Order is the persisted order row. Money is integer cents; the commission
// rate is snapshotted at creation so later platform rate changes never
// rewrite history.
type Order struct {
	ID                 string     `json:"id"`
	BuyerID            string     `json:"buyer_id"`
	SellerID           string     `json:"seller_id"`
	ServiceID          string     `json:"service_id"`
	PackageID          *string    `json:"package_id,omitempty"`
	Status             Status     `json:"status"`
	AmountCents        int64      `json:"amount_cents"`
	CommissionRate     float64    `json:"commission_rate"`
	CommissionCents    int64      `json:"commission_cents"`
	Requirements       string     `json:"requirements"`
	DeliveryDueAt      *time.Time `json:"delivery_due_at,omitempty"`
	DeliveryMessage    *string    `json:"delivery_message,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	RevisionCount      int        `json:"revision_count"`
	RevisionLimit      int        `json:"revision_limit"` // -1 = unlimited
	HoldRef            *string    `json:"hold_ref,omitempty"`
	Version            int64      `json:"-"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Actor is the authenticated party requesting a transition. System is the
// payment webhook and internal workers; Operator is an admin resolving
// disputes.
type Actor struct {
	ID       string
	System   bool
	Operator bool
}

// Params carries per-action inputs.
type Params struct {
	DeliveryMessage string
	Reason          string
	Resolution      string // resolve_dispute: "release" or "refund"
}

// TransitionError reports an action attempted outside the legal edge set.
type TransitionError struct {
	Current Status
	Action  Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %q is not legal from status %q", e.Action, e.Current)
}

// StatusUpdate is the single write applied to the order row, guarded by the
// version compare-and-swap.
type StatusUpdate struct {
	OrderID            string
	FromVersion        int64
	To                 Status
	DeliveryMessage    *string
	CancellationReason *string
	CompletedAt        *time.Time
	IncRevision        bool
}

// Outbox record kinds. Each record is drained at-least-once, in per-order
// insertion order.
const (
	KindOrderMessage = "order_message"
	KindNotification = "notification"
	KindEmail        = "email"
	KindCapture      = "payment_capture"
	KindVoid         = "payment_void"
	KindEvent        = "transition_event"
)

// OutboxRecord is a side effect persisted in the same transaction as the
// status change it belongs to.
type OutboxRecord struct {
	ID            int64
	OrderID       string
	Kind          string
	Payload       []byte
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// TransitionEvent is the canonical payload describing an applied transition.
type TransitionEvent struct {
	OrderID     string    `json:"order_id"`
	Action      Action    `json:"action"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	ActorID     string    `json:"actor_id,omitempty"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	AmountCents int64     `json:"amount_cents"`
	HoldRef     string    `json:"hold_ref,omitempty"`
	Message     string    `json:"message,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// MessagePayload is a KindOrderMessage outbox payload.
type MessagePayload struct {
	OrderID string `json:"order_id"`
	Sender  string `json:"sender"` // user id or "system"
	Body    string `json:"body"`
}

// NotificationPayload is a KindNotification outbox payload.
type NotificationPayload struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Link   string `json:"link"`
}

// EmailPayload is a KindEmail outbox payload; the drainer resolves the
// recipient address and hands the send to the mail queue.
type EmailPayload struct {
	UserID  string `json:"user_id"`
	Task    string `json:"task"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount_cents"`
}

// EscrowPayload is a KindCapture / KindVoid outbox payload.
type EscrowPayload struct {
	OrderID     string `json:"order_id"`
	HoldRef     string `json:"hold_ref"`
	AmountCents int64  `json:"amount_cents"`
}

// PaymentEvent is one row in the append-only money-movement ledger.
type PaymentEvent struct {
	OrderID     string
	Kind        string // hold_created | hold_confirmed | hold_failed | captured | voided
	AmountCents int64
	HoldRef     string
}

// Dispute mirrors the disputes table.
type Dispute struct {
	OrderID string
	FilerID string
	Reason  string
}
