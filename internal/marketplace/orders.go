package marketplace

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
	"github.com/skillmarket/skillmarket/internal/payments"
)

// OrderHandler exposes order creation and the lifecycle actions. No status
// write happens here; everything funnels through the engine.
type OrderHandler struct {
	pool           *pgxpool.Pool
	engine         *lifecycle.Engine
	provider       payments.Provider
	commissionRate float64
	log            *slog.Logger
}

func NewOrderHandler(pool *pgxpool.Pool, engine *lifecycle.Engine, provider payments.Provider, commissionRate float64, log *slog.Logger) *OrderHandler {
	return &OrderHandler{pool: pool, engine: engine, provider: provider, commissionRate: commissionRate, log: log}
}

// commissionFor is the platform cut in cents, rounded half up. Snapshotted
// onto the order at creation; later rate changes never touch existing orders.
func commissionFor(amountCents int64, rate float64) int64 {
	return int64(math.Round(float64(amountCents) * rate))
}

// CreateOrder inserts the pending order with its amount, commission and
// delivery terms snapshotted from the chosen package, then asks the
// processor for a hold. The order only leaves pending when the webhook (or
// the reaper) says so.
func (h *OrderHandler) CreateOrder(c echo.Context) error {
	buyerID, ok := c.Get("user_id").(string)
	if !ok || buyerID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "service_id, package_id and requirements are required"})
	}

	ctx := c.Request().Context()

	var sellerID string
	var priceCents int64
	var deliveryDays, revisionLimit int
	err := h.pool.QueryRow(ctx,
		`SELECT s.seller_id, p.price_cents, p.delivery_days, p.revision_limit
		 FROM services s
		 JOIN service_packages p ON p.service_id = s.id
		 WHERE s.id = $1 AND p.id = $2 AND s.status = 'active' AND p.active`,
		req.ServiceID, req.PackageID,
	).Scan(&sellerID, &priceCents, &deliveryDays, &revisionLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "service or package not found or inactive"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch service"})
	}
	if sellerID == buyerID {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "you cannot order your own service"})
	}

	commissionCents := commissionFor(priceCents, h.commissionRate)
	dueAt := time.Now().Add(time.Duration(deliveryDays) * 24 * time.Hour)

	var orderID string
	err = h.pool.QueryRow(ctx,
		`INSERT INTO orders (buyer_id, seller_id, service_id, package_id, amount_cents,
			commission_rate, commission_cents, requirements, delivery_due_at, revision_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		buyerID, sellerID, req.ServiceID, req.PackageID, priceCents,
		h.commissionRate, commissionCents, req.Requirements, dueAt, revisionLimit,
	).Scan(&orderID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create order"})
	}

	holdRef, err := h.provider.CreateHold(ctx, orderID, buyerID, priceCents)
	if err != nil {
		h.log.Error("hold creation failed", slog.String("order_id", orderID), slog.Any("error", err))
		// The order exists but can never be paid; close it through the
		// engine so the buyer gets told.
		_, cancelErr := h.engine.Attempt(ctx, orderID, lifecycle.ActionPaymentFailed,
			lifecycle.Actor{System: true},
			lifecycle.Params{Reason: "payment hold could not be created"})
		if cancelErr != nil {
			h.log.Error("failed to cancel unpayable order", slog.String("order_id", orderID), slog.Any("error", cancelErr))
		}
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": "payment could not be initiated, please try again"})
	}

	if err := h.persistHold(ctx, orderID, holdRef, priceCents); err != nil {
		// An order whose hold reference never lands would complete without a
		// capture ever being issued. Give the hold back and close the order
		// rather than leave that trap armed.
		h.log.Error("failed to persist hold ref", slog.String("order_id", orderID), slog.Any("error", err))
		if voidErr := h.provider.VoidHold(ctx, holdRef); voidErr != nil {
			h.log.Error("failed to void orphaned hold",
				slog.String("order_id", orderID), slog.String("hold_ref", holdRef), slog.Any("error", voidErr))
		}
		_, cancelErr := h.engine.Attempt(ctx, orderID, lifecycle.ActionPaymentFailed,
			lifecycle.Actor{System: true},
			lifecycle.Params{Reason: "payment reference could not be recorded"})
		if cancelErr != nil {
			h.log.Error("failed to cancel unpayable order", slog.String("order_id", orderID), slog.Any("error", cancelErr))
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "payment could not be initiated, please try again"})
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"order_id": orderID,
		"status":   lifecycle.StatusPending,
		"message":  "Order placed. Awaiting payment confirmation.",
	})
}

// persistHold records the processor's hold reference and its ledger row in
// one transaction so the order either carries the reference or keeps none.
// If the process dies between the processor call and this write, the webhook
// backfills the reference from the signed hold event.
func (h *OrderHandler) persistHold(ctx context.Context, orderID, holdRef string, amountCents int64) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET hold_ref = $1, updated_at = NOW() WHERE id = $2`, holdRef, orderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO payment_events (order_id, kind, amount_cents, hold_ref)
		 VALUES ($1, 'hold_created', $2, $3)`, orderID, amountCents, holdRef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetOrder returns one order to a participant.
func (h *OrderHandler) GetOrder(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	orderID := c.Param("id")
	ctx := c.Request().Context()

	o, err := h.fetchOrder(ctx, orderID)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
	}
	if userID != o.BuyerID && userID != o.SellerID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "you are not a party to this order"})
	}
	return c.JSON(http.StatusOK, echo.Map{"order": o})
}

// ListMyOrders returns the caller's orders on either side of the table.
func (h *OrderHandler) ListMyOrders(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	rows, err := h.pool.Query(c.Request().Context(),
		`SELECT id, buyer_id, seller_id, service_id, package_id, status, amount_cents,
			commission_rate, commission_cents, requirements, delivery_due_at,
			delivery_message, cancellation_reason, revision_count, revision_limit,
			hold_ref, version, completed_at, created_at, updated_at
		 FROM orders WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch orders"})
	}
	defer rows.Close()

	var orders []lifecycle.Order
	for rows.Next() {
		var o lifecycle.Order
		var status string
		if err := rows.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ServiceID, &o.PackageID, &status,
			&o.AmountCents, &o.CommissionRate, &o.CommissionCents, &o.Requirements, &o.DeliveryDueAt,
			&o.DeliveryMessage, &o.CancellationReason, &o.RevisionCount, &o.RevisionLimit,
			&o.HoldRef, &o.Version, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse record"})
		}
		o.Status = lifecycle.Status(status)
		orders = append(orders, o)
	}
	return c.JSON(http.StatusOK, echo.Map{"orders": orders})
}

// StartOrder - seller picks up a confirmed order.
func (h *OrderHandler) StartOrder(c echo.Context) error {
	return h.transition(c, lifecycle.ActionStart, lifecycle.Params{})
}

// DeliverOrder - seller submits work with a mandatory message.
func (h *OrderHandler) DeliverOrder(c echo.Context) error {
	var req DeliverRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "delivery message is required"})
	}
	return h.transition(c, lifecycle.ActionDeliver, lifecycle.Params{DeliveryMessage: req.Message})
}

// AcceptOrder - buyer accepts delivery and releases escrow.
func (h *OrderHandler) AcceptOrder(c echo.Context) error {
	return h.transition(c, lifecycle.ActionAccept, lifecycle.Params{})
}

// RequestRevision - buyer sends a delivery back.
func (h *OrderHandler) RequestRevision(c echo.Context) error {
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	return h.transition(c, lifecycle.ActionRequestRevision, lifecycle.Params{Reason: req.Reason})
}

// CancelOrder - buyer withdraws an unpaid order.
func (h *OrderHandler) CancelOrder(c echo.Context) error {
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	return h.transition(c, lifecycle.ActionCancel, lifecycle.Params{Reason: req.Reason})
}

// DisputeOrder - either party parks the order for operator review.
func (h *OrderHandler) DisputeOrder(c echo.Context) error {
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	return h.transition(c, lifecycle.ActionDispute, lifecycle.Params{Reason: req.Reason})
}

func (h *OrderHandler) transition(c echo.Context, action lifecycle.Action, p lifecycle.Params) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID := c.Param("id")
	if orderID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing order id"})
	}

	o, err := h.engine.Attempt(c.Request().Context(), orderID, action, lifecycle.Actor{ID: userID}, p)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("transition failed",
				slog.String("order_id", orderID), slog.String("action", string(action)), slog.Any("error", err))
		}
		return c.JSON(status, echo.Map{"error": apperr.Message(err)})
	}
	return c.JSON(http.StatusOK, echo.Map{"order": o})
}

func (h *OrderHandler) fetchOrder(ctx context.Context, orderID string) (*lifecycle.Order, error) {
	var o lifecycle.Order
	var status string
	err := h.pool.QueryRow(ctx,
		`SELECT id, buyer_id, seller_id, service_id, package_id, status, amount_cents,
			commission_rate, commission_cents, requirements, delivery_due_at,
			delivery_message, cancellation_reason, revision_count, revision_limit,
			hold_ref, version, completed_at, created_at, updated_at
		 FROM orders WHERE id = $1`, orderID,
	).Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ServiceID, &o.PackageID, &status,
		&o.AmountCents, &o.CommissionRate, &o.CommissionCents, &o.Requirements, &o.DeliveryDueAt,
		&o.DeliveryMessage, &o.CancellationReason, &o.RevisionCount, &o.RevisionLimit,
		&o.HoldRef, &o.Version, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("order not found")
		}
		return nil, apperr.Internal("failed to fetch order", err)
	}
	o.Status = lifecycle.Status(status)
	return &o, nil
}
