package lifecycle

// Status is an order's position in its lifecycle. All writes to
// orders.status go through Engine.Attempt; nothing else flips this field.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDelivered  Status = "delivered"
	StatusInRevision Status = "in_revision"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Action is a named lifecycle operation requested by an actor.
type Action string

const (
	// ActionPaymentConfirmed is driven by the payment webhook on a
	// successful hold.
	ActionPaymentConfirmed Action = "payment_confirmed"
	// ActionStart is the seller picking up a paid order. Races with the
	// webhook's own pending->in_progress edge; the version CAS guarantees
	// only one of them applies.
	ActionStart Action = "start"
	// ActionDeliver is the seller submitting work, first time or after a
	// revision round.
	ActionDeliver Action = "deliver"
	// ActionAccept is the buyer accepting delivery, releasing escrow.
	ActionAccept Action = "accept"
	// ActionRequestRevision sends a delivery back to the seller.
	ActionRequestRevision Action = "request_revision"
	// ActionPaymentFailed is driven by the payment webhook on a failed hold.
	ActionPaymentFailed Action = "payment_failed"
	// ActionCancel is the buyer withdrawing an unpaid order.
	ActionCancel Action = "cancel"
	// ActionDispute parks any non-terminal order for operator review.
	ActionDispute Action = "dispute"
	// ActionResolveDispute closes a dispute as release (completed) or
	// refund (cancelled). Operators only.
	ActionResolveDispute Action = "resolve_dispute"
)

// party identifies who may request an action on an order.
type party int

const (
	partyBuyer party = iota
	partySeller
	partySystem
	partyOperator
	partyParticipant // buyer or seller
)

type rule struct {
	from  []Status // nil means any non-terminal status
	to    Status   // zero for resolve_dispute, decided by resolution
	party party
}

var transitions = map[Action]rule{
	ActionPaymentConfirmed: {from: []Status{StatusPending}, to: StatusInProgress, party: partySystem},
	ActionStart:            {from: []Status{StatusPending}, to: StatusInProgress, party: partySeller},
	ActionDeliver:          {from: []Status{StatusInProgress, StatusInRevision}, to: StatusDelivered, party: partySeller},
	ActionAccept:           {from: []Status{StatusDelivered}, to: StatusCompleted, party: partyBuyer},
	ActionRequestRevision:  {from: []Status{StatusDelivered}, to: StatusInRevision, party: partyBuyer},
	ActionPaymentFailed:    {from: []Status{StatusPending}, to: StatusCancelled, party: partySystem},
	ActionCancel:           {from: []Status{StatusPending}, to: StatusCancelled, party: partyBuyer},
	ActionDispute:          {from: nil, to: StatusDisputed, party: partyParticipant},
	ActionResolveDispute:   {from: []Status{StatusDisputed}, party: partyOperator},
}

func (r rule) allowsFrom(s Status) bool {
	if s.Terminal() {
		return false
	}
	if r.from == nil {
		return true
	}
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}
