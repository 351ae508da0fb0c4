package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
)

// Handler is the operator surface: open disputes, integrity flags and the
// payment ledger. All routes sit behind the admin role guard.
type Handler struct {
	pool   *pgxpool.Pool
	engine *lifecycle.Engine
	log    *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, engine *lifecycle.Engine, log *slog.Logger) *Handler {
	return &Handler{pool: pool, engine: engine, log: log}
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=release refund"`
	Note       string `json:"note" validate:"max=2000"`
}

// ListDisputes returns open disputes oldest first.
func (h *Handler) ListDisputes(c echo.Context) error {
	rows, err := h.pool.Query(c.Request().Context(), `
		SELECT d.id, d.order_id, d.filer_id, d.reason, d.status, d.created_at,
		       o.buyer_id, o.seller_id, o.amount_cents, o.status
		FROM disputes d
		JOIN orders o ON o.id = d.order_id
		WHERE d.status = 'open'
		ORDER BY d.created_at ASC
	`)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch disputes"})
	}
	defer rows.Close()

	type disputeRow struct {
		ID          string    `json:"id"`
		OrderID     string    `json:"order_id"`
		FilerID     string    `json:"filer_id"`
		Reason      string    `json:"reason"`
		Status      string    `json:"status"`
		CreatedAt   time.Time `json:"created_at"`
		BuyerID     string    `json:"buyer_id"`
		SellerID    string    `json:"seller_id"`
		AmountCents int64     `json:"amount_cents"`
		OrderStatus string    `json:"order_status"`
	}

	var disputes []disputeRow
	for rows.Next() {
		var d disputeRow
		if err := rows.Scan(&d.ID, &d.OrderID, &d.FilerID, &d.Reason, &d.Status, &d.CreatedAt,
			&d.BuyerID, &d.SellerID, &d.AmountCents, &d.OrderStatus); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse dispute"})
		}
		disputes = append(disputes, d)
	}
	return c.JSON(http.StatusOK, echo.Map{"disputes": disputes})
}

// ResolveDispute closes a disputed order one way or the other. "release"
// completes the order and captures the hold, "refund" cancels it and voids
// the hold. Both go through the engine so escrow and notifications follow.
func (h *Handler) ResolveDispute(c echo.Context) error {
	operatorID, _ := c.Get("user_id").(string)
	orderID := c.Param("id")

	var req ResolveDisputeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "resolution must be release or refund"})
	}

	o, err := h.engine.Attempt(c.Request().Context(), orderID, lifecycle.ActionResolveDispute,
		lifecycle.Actor{ID: operatorID, Operator: true},
		lifecycle.Params{Resolution: req.Resolution, Reason: req.Note})
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("dispute resolution failed", slog.String("order_id", orderID), slog.Any("error", err))
		}
		return c.JSON(status, echo.Map{"error": apperr.Message(err)})
	}

	h.log.Info("dispute resolved",
		slog.String("order_id", orderID),
		slog.String("resolution", req.Resolution),
		slog.String("operator", operatorID))
	return c.JSON(http.StatusOK, echo.Map{"order": o})
}

// ListIntegrityFlags shows unresolved flags raised by webhook validation.
func (h *Handler) ListIntegrityFlags(c echo.Context) error {
	rows, err := h.pool.Query(c.Request().Context(), `
		SELECT id, order_id, reason, details, created_at
		FROM integrity_flags
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch flags"})
	}
	defer rows.Close()

	type flagRow struct {
		ID        string          `json:"id"`
		OrderID   string          `json:"order_id"`
		Reason    string          `json:"reason"`
		Details   json.RawMessage `json:"details,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}

	var flags []flagRow
	for rows.Next() {
		var f flagRow
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Reason, &f.Details, &f.CreatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse flag"})
		}
		flags = append(flags, f)
	}
	return c.JSON(http.StatusOK, echo.Map{"flags": flags})
}

// ResolveIntegrityFlag marks a flag as handled.
func (h *Handler) ResolveIntegrityFlag(c echo.Context) error {
	flagID := c.Param("id")
	ct, err := h.pool.Exec(c.Request().Context(), `
		UPDATE integrity_flags SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL
	`, flagID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not resolve flag"})
	}
	if ct.RowsAffected() == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "flag not found or already resolved"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "flag resolved"})
}

// GetPaymentLedger lists every recorded money movement for an order.
func (h *Handler) GetPaymentLedger(c echo.Context) error {
	orderID := c.Param("id")
	rows, err := h.pool.Query(c.Request().Context(), `
		SELECT id, order_id, kind, amount_cents, hold_ref, created_at
		FROM payment_events WHERE order_id = $1 ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch ledger"})
	}
	defer rows.Close()

	type ledgerRow struct {
		ID          string    `json:"id"`
		OrderID     string    `json:"order_id"`
		Kind        string    `json:"kind"`
		AmountCents int64     `json:"amount_cents"`
		HoldRef     *string   `json:"hold_ref,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	var events []ledgerRow
	for rows.Next() {
		var e ledgerRow
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Kind, &e.AmountCents, &e.HoldRef, &e.CreatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse ledger row"})
		}
		events = append(events, e)
	}
	return c.JSON(http.StatusOK, echo.Map{"events": events})
}
