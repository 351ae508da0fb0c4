package alerts

import "time"

// Task type constants
const (
	TaskOrderStarted      = "email:order_started"
	TaskOrderDelivered    = "email:order_delivered"
	TaskOrderCompleted    = "email:order_completed"
	TaskOrderCancelled    = "email:order_cancelled"
	TaskRevisionRequested = "email:revision_requested"
	TaskAdminAlert        = "email:admin_alert"
)

// EmailEnvelope is the rendered message handed to the mailer.
type EmailEnvelope struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// OrderEmailPayload covers every order-lifecycle email task.
type OrderEmailPayload struct {
	OrderID     string        `json:"order_id"`
	UserID      string        `json:"user_id"`
	Email       string        `json:"email"`
	AmountCents int64         `json:"amount_cents"`
	Envelope    EmailEnvelope `json:"envelope"`
	SentAt      time.Time     `json:"sent_at"`
}

// AdminAlertPayload notifies operators about conditions needing review.
type AdminAlertPayload struct {
	Severity string        `json:"severity"` // info|warning|critical
	Message  string        `json:"message"`
	Envelope EmailEnvelope `json:"envelope"`
	SentAt   time.Time     `json:"sent_at"`
}
