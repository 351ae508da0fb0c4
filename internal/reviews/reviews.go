package reviews

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Review is a buyer's verdict on a completed order, one per order, with an
// optional write-once seller response.
type Review struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	ServiceID   string     `json:"service_id"`
	BuyerID     string     `json:"buyer_id"`
	SellerID    string     `json:"seller_id"`
	Rating      int        `json:"rating"`
	Comment     string     `json:"comment,omitempty"`
	Response    *string    `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type CreateReviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=1000"`
}

type RespondRequest struct {
	Response string `json:"response" validate:"required,max=5000"`
}

// rollingAverage folds one more rating into an existing average without
// rescanning history. The aggregate UPDATEs in CreateReview apply the same
// step in SQL so the fold happens atomically on the stored counters.
func rollingAverage(oldAvg float64, oldCount int, rating int) float64 {
	return oldAvg + (float64(rating)-oldAvg)/float64(oldCount+1)
}

type Handler struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, log *slog.Logger) *Handler {
	return &Handler{pool: pool, log: log}
}

// CreateReview records the rating and folds it into the service's and the
// seller profile's aggregates in the same transaction. The unique index on
// order_id makes a second submission a conflict, not a double count.
func (h *Handler) CreateReview(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID := c.Param("id")

	var req CreateReviewRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "rating must be between 1 and 5"})
	}

	ctx := c.Request().Context()

	var buyerID, sellerID, serviceID, status string
	err := h.pool.QueryRow(ctx,
		`SELECT buyer_id, seller_id, service_id, status FROM orders WHERE id = $1`, orderID,
	).Scan(&buyerID, &sellerID, &serviceID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "order not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch order"})
	}
	if buyerID != userID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the buyer can review an order"})
	}
	if status != "completed" {
		return c.JSON(http.StatusConflict, echo.Map{"error": "only completed orders can be reviewed"})
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "transaction start failed"})
	}
	defer tx.Rollback(ctx)

	var reviewID string
	err = tx.QueryRow(ctx,
		`INSERT INTO reviews (order_id, service_id, buyer_id, seller_id, rating, comment)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (order_id) DO NOTHING
		 RETURNING id`,
		orderID, serviceID, buyerID, sellerID, req.Rating, req.Comment,
	).Scan(&reviewID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "this order has already been reviewed"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not save review"})
	}

	if _, err := tx.Exec(ctx,
		`UPDATE services
		 SET rating_avg = rating_avg + ($1::float8 - rating_avg) / (rating_count + 1),
		     rating_count = rating_count + 1
		 WHERE id = $2`, req.Rating, serviceID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not update service rating"})
	}
	if _, err := tx.Exec(ctx,
		`UPDATE profiles
		 SET rating_avg = rating_avg + ($1::float8 - rating_avg) / (rating_count + 1),
		     rating_count = rating_count + 1
		 WHERE user_id = $2`, req.Rating, sellerID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not update seller rating"})
	}

	if err := tx.Commit(ctx); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "commit failed"})
	}

	h.log.Info("review created",
		slog.String("order_id", orderID), slog.String("service_id", serviceID), slog.Int("rating", req.Rating))

	return c.JSON(http.StatusCreated, echo.Map{"review_id": reviewID})
}

// RespondToReview lets the seller answer once.
func (h *Handler) RespondToReview(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	reviewID := c.Param("id")

	var req RespondRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "response is required"})
	}

	ct, err := h.pool.Exec(c.Request().Context(),
		`UPDATE reviews SET response = $1, responded_at = NOW()
		 WHERE id = $2 AND seller_id = $3 AND response IS NULL`,
		req.Response, reviewID, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not save response"})
	}
	if ct.RowsAffected() == 0 {
		return c.JSON(http.StatusConflict, echo.Map{"error": "review not found, not yours, or already answered"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "response recorded"})
}

// GetSellerReviews is public: the seller's reviews plus their aggregate.
func (h *Handler) GetSellerReviews(c echo.Context) error {
	sellerID := c.Param("id")
	ctx := c.Request().Context()

	var avg float64
	var count int
	err := h.pool.QueryRow(ctx,
		`SELECT rating_avg, rating_count FROM profiles WHERE user_id = $1`, sellerID,
	).Scan(&avg, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "seller not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch seller"})
	}

	rows, err := h.pool.Query(ctx,
		`SELECT id, order_id, service_id, buyer_id, seller_id, rating, comment, response, responded_at, created_at
		 FROM reviews WHERE seller_id = $1 ORDER BY created_at DESC LIMIT 50`, sellerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch reviews"})
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.OrderID, &r.ServiceID, &r.BuyerID, &r.SellerID,
			&r.Rating, &r.Comment, &r.Response, &r.RespondedAt, &r.CreatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse review"})
		}
		reviews = append(reviews, r)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"rating_avg":   avg,
		"rating_count": count,
		"reviews":      reviews,
	})
}

// GetOrderReview returns the review attached to one order, if any.
func (h *Handler) GetOrderReview(c echo.Context) error {
	orderID := c.Param("id")

	var r Review
	err := h.pool.QueryRow(c.Request().Context(),
		`SELECT id, order_id, service_id, buyer_id, seller_id, rating, comment, response, responded_at, created_at
		 FROM reviews WHERE order_id = $1`, orderID,
	).Scan(&r.ID, &r.OrderID, &r.ServiceID, &r.BuyerID, &r.SellerID,
		&r.Rating, &r.Comment, &r.Response, &r.RespondedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "no review for this order"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch review"})
	}
	return c.JSON(http.StatusOK, echo.Map{"review": r})
}
