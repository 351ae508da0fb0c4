package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/skillmarket/skillmarket/internal/apperr"
)

// Message is one entry on an order's thread. Sender is a user id or
// "system" for engine-generated entries. Append-only.
type Message struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Handler struct {
	pool *pgxpool.Pool
	bus  *Bus
	log  *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, bus *Bus, log *slog.Logger) *Handler {
	return &Handler{pool: pool, bus: bus, log: log}
}

// requireParticipant loads the order's parties and checks the caller is one
// of them.
func (h *Handler) requireParticipant(ctx context.Context, orderID, userID string) (buyerID, sellerID string, err error) {
	err = h.pool.QueryRow(ctx,
		`SELECT buyer_id, seller_id FROM orders WHERE id = $1`, orderID,
	).Scan(&buyerID, &sellerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", apperr.NotFound("order not found")
		}
		return "", "", apperr.Internal("failed to fetch order", err)
	}
	if userID != buyerID && userID != sellerID {
		return "", "", apperr.Authorization("you are not a party to this order")
	}
	return buyerID, sellerID, nil
}

// ListMessages returns an order's thread, oldest first.
func (h *Handler) ListMessages(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	orderID := c.Param("id")
	ctx := c.Request().Context()

	if _, _, err := h.requireParticipant(ctx, orderID, userID); err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}

	rows, err := h.pool.Query(ctx,
		`SELECT id, order_id, sender, body, created_at
		 FROM order_messages WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load messages"})
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.OrderID, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse message"})
		}
		msgs = append(msgs, m)
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": msgs})
}

// PostMessage appends a chat message to the thread and pushes it to live
// subscribers.
func (h *Handler) PostMessage(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	orderID := c.Param("id")
	ctx := c.Request().Context()

	var req struct {
		Body string `json:"body" validate:"required,max=5000"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "message body is required"})
	}

	buyerID, sellerID, err := h.requireParticipant(ctx, orderID, userID)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}

	var m Message
	err = h.pool.QueryRow(ctx,
		`INSERT INTO order_messages (order_id, sender, body)
		 VALUES ($1, $2, $3)
		 RETURNING id, order_id, sender, body, created_at`,
		orderID, userID, req.Body,
	).Scan(&m.ID, &m.OrderID, &m.Sender, &m.Body, &m.CreatedAt)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to store message"})
	}

	// Notify the counterpart (best-effort; chat is not lifecycle state).
	recipient := sellerID
	if userID == sellerID {
		recipient = buyerID
	}
	if _, err := h.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, type, title, body, link)
		 VALUES ($1, 'message_new', 'New message', $2, $3)`,
		recipient, truncate(req.Body, 140), "/orders/"+orderID,
	); err != nil {
		h.log.Warn("message notification insert failed", slog.Any("error", err))
	}

	if payload, err := json.Marshal(echo.Map{"type": "message", "data": m}); err == nil {
		h.bus.Publish(orderID, payload)
	}

	return c.JSON(http.StatusCreated, echo.Map{"message": m})
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
