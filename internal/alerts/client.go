package alerts

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues email work onto the Redis-backed queue. Enqueue failures
// are the caller's to retry; the outbox drainer treats them like any other
// side-effect failure.
type Client struct {
	cli       *asynq.Client
	adminAddr string
}

func NewClient(redisAddr string) *Client {
	adminAddr := os.Getenv("ADMIN_ALERT_EMAIL")
	if adminAddr == "" {
		adminAddr = "ops@skillmarket.local"
	}
	return &Client{
		cli:       asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		adminAddr: adminAddr,
	}
}

func (c *Client) Close() {
	if c.cli != nil {
		_ = c.cli.Close()
	}
}

// EnqueueOrderEmail schedules one lifecycle email. The subject/body are
// rendered here so the worker only needs the envelope.
func (c *Client) EnqueueOrderEmail(task, orderID, userID, email string, amountCents int64) error {
	subject, body := renderOrderEmail(task, orderID, amountCents)
	payload := OrderEmailPayload{
		OrderID:     orderID,
		UserID:      userID,
		Email:       email,
		AmountCents: amountCents,
		Envelope:    EmailEnvelope{To: email, Subject: subject, Body: body},
		SentAt:      time.Now(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}
	_, err = c.cli.Enqueue(asynq.NewTask(task, b), asynq.Queue("emails"), asynq.MaxRetry(10))
	return err
}

// AdminAlert sends an alert to the operator inbox.
func (c *Client) AdminAlert(severity, message string) error {
	payload := AdminAlertPayload{
		Severity: severity,
		Message:  message,
		Envelope: EmailEnvelope{To: c.adminAddr, Subject: "Skillmarket operator alert", Body: message},
		SentAt:   time.Now(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal admin alert: %w", err)
	}
	_, err = c.cli.Enqueue(asynq.NewTask(TaskAdminAlert, b), asynq.Queue("alerts"), asynq.MaxRetry(10))
	return err
}

func renderOrderEmail(task, orderID string, amountCents int64) (subject, body string) {
	amount := float64(amountCents) / 100
	switch task {
	case TaskOrderStarted:
		return "Your order is in progress",
			fmt.Sprintf("Payment for order %s is confirmed. Work has started.", orderID)
	case TaskOrderDelivered:
		return "Your order has been delivered",
			fmt.Sprintf("Order %s is delivered. Review the work and accept to release payment.", orderID)
	case TaskOrderCompleted:
		return "Order completed and paid",
			fmt.Sprintf("Order %s is completed. %.2f has been released from escrow.", orderID, amount)
	case TaskOrderCancelled:
		return "Order cancelled",
			fmt.Sprintf("Order %s was cancelled. Any held funds will be returned.", orderID)
	case TaskRevisionRequested:
		return "Revision requested",
			fmt.Sprintf("The buyer requested changes on order %s.", orderID)
	default:
		return "Skillmarket update", fmt.Sprintf("There is an update on order %s.", orderID)
	}
}
