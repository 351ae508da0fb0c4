package alerts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Worker consumes queued emails and hands them to the mailer. Failed sends
// are retried by asynq with its default backoff.
type Worker struct {
	srv    *asynq.Server
	mux    *asynq.ServeMux
	mailer *Mailer
	log    *slog.Logger
}

func NewWorker(redisAddr string, mailer *Mailer, log *slog.Logger) *Worker {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"emails": 10,
			"alerts": 5,
		},
	})
	w := &Worker{srv: srv, mux: asynq.NewServeMux(), mailer: mailer, log: log}
	for _, task := range []string{
		TaskOrderStarted, TaskOrderDelivered, TaskOrderCompleted,
		TaskOrderCancelled, TaskRevisionRequested,
	} {
		w.mux.HandleFunc(task, w.handleOrderEmail)
	}
	w.mux.HandleFunc(TaskAdminAlert, w.handleAdminAlert)
	return w
}

// Start runs the asynq server in the background.
func (w *Worker) Start() {
	go func() {
		if err := w.srv.Run(w.mux); err != nil {
			w.log.Error("email worker stopped", slog.Any("error", err))
		}
	}()
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

func (w *Worker) handleOrderEmail(_ context.Context, t *asynq.Task) error {
	var p OrderEmailPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	if err := w.mailer.Send(p.Envelope.To, p.Envelope.Subject, p.Envelope.Body); err != nil {
		w.log.Error("order email send failed",
			slog.String("task", t.Type()), slog.String("order_id", p.OrderID), slog.Any("error", err))
		return err
	}
	w.log.Info("order email sent", slog.String("task", t.Type()), slog.String("order_id", p.OrderID))
	return nil
}

func (w *Worker) handleAdminAlert(_ context.Context, t *asynq.Task) error {
	var p AdminAlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	if err := w.mailer.Send(p.Envelope.To, p.Envelope.Subject, p.Envelope.Body); err != nil {
		w.log.Error("admin alert send failed", slog.Any("error", err))
		return err
	}
	w.log.Info("admin alert sent", slog.String("severity", p.Severity))
	return nil
}
