package marketplace

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// ServiceHandler owns listing CRUD and discovery.
type ServiceHandler struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewServiceHandler(pool *pgxpool.Pool, log *slog.Logger) *ServiceHandler {
	return &ServiceHandler{pool: pool, log: log}
}

// CreateService lists a new service with its package tiers in one
// transaction.
func (h *ServiceHandler) CreateService(c echo.Context) error {
	sellerID, ok := c.Get("user_id").(string)
	if !ok || sellerID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req CreateServiceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	seen := map[string]bool{}
	for _, p := range req.Packages {
		if seen[p.Tier] {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "duplicate package tier " + p.Tier})
		}
		seen[p.Tier] = true
	}

	ctx := c.Request().Context()
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "transaction start failed"})
	}
	defer tx.Rollback(ctx)

	var serviceID string
	err = tx.QueryRow(ctx,
		`INSERT INTO services (seller_id, title, description, category)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sellerID, req.Title, req.Description, req.Category,
	).Scan(&serviceID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not create service"})
	}

	for _, p := range req.Packages {
		if _, err := tx.Exec(ctx,
			`INSERT INTO service_packages (service_id, tier, title, price_cents, delivery_days, revision_limit, features)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			serviceID, p.Tier, p.Title, p.PriceCents, p.DeliveryDays, p.RevisionLimit, p.Features,
		); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not create package"})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "commit failed"})
	}

	return c.JSON(http.StatusCreated, echo.Map{"service_id": serviceID})
}

// GetService returns one service with its packages.
func (h *ServiceHandler) GetService(c echo.Context) error {
	serviceID := c.Param("id")
	ctx := c.Request().Context()

	var s Service
	err := h.pool.QueryRow(ctx,
		`SELECT id, seller_id, title, description, category, status, rating_avg, rating_count, created_at
		 FROM services WHERE id = $1`, serviceID,
	).Scan(&s.ID, &s.SellerID, &s.Title, &s.Description, &s.Category, &s.Status, &s.RatingAvg, &s.RatingCount, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "service not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch service"})
	}

	rows, err := h.pool.Query(ctx,
		`SELECT id, service_id, tier, title, price_cents, delivery_days, revision_limit, features, active
		 FROM service_packages WHERE service_id = $1
		 ORDER BY CASE tier WHEN 'basic' THEN 1 WHEN 'standard' THEN 2 ELSE 3 END`, serviceID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch packages"})
	}
	defer rows.Close()

	var pkgs []ServicePackage
	for rows.Next() {
		var p ServicePackage
		if err := rows.Scan(&p.ID, &p.ServiceID, &p.Tier, &p.Title, &p.PriceCents, &p.DeliveryDays, &p.RevisionLimit, &p.Features, &p.Active); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse package"})
		}
		pkgs = append(pkgs, p)
	}

	return c.JSON(http.StatusOK, echo.Map{"service": s, "packages": pkgs})
}

// SearchServices is public discovery with filters over the cheapest active
// package price and the service's rating aggregates.
func (h *ServiceHandler) SearchServices(c echo.Context) error {
	q := c.QueryParam("q")
	category := c.QueryParam("category")
	minPrice := c.QueryParam("min_price_cents")
	maxPrice := c.QueryParam("max_price_cents")
	deliveryMax := c.QueryParam("delivery_days_max")
	ratingMin := c.QueryParam("rating_min")
	sort := c.QueryParam("sort")

	limit := 20
	offset := 0
	if l := c.QueryParam("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := c.QueryParam("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	var where []string
	var having []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, `s.status = 'active'`)
	if q != "" {
		p := arg("%" + q + "%")
		where = append(where, fmt.Sprintf("(s.title ILIKE %s OR s.description ILIKE %s)", p, p))
	}
	if category != "" {
		where = append(where, "s.category = "+arg(category))
	}
	if ratingMin != "" {
		where = append(where, "s.rating_avg >= "+arg(ratingMin))
	}
	if minPrice != "" {
		having = append(having, "MIN(p.price_cents) >= "+arg(minPrice))
	}
	if maxPrice != "" {
		having = append(having, "MIN(p.price_cents) <= "+arg(maxPrice))
	}
	if deliveryMax != "" {
		having = append(having, "MIN(p.delivery_days) <= "+arg(deliveryMax))
	}

	query := `SELECT s.id, s.seller_id, s.title, s.description, s.category, s.status,
			s.rating_avg, s.rating_count, s.created_at,
			MIN(p.price_cents) AS from_price_cents,
			MIN(p.delivery_days) AS min_delivery_days
		FROM services s
		JOIN service_packages p ON p.service_id = s.id AND p.active
		WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY s.id`
	if len(having) > 0 {
		query += " HAVING " + strings.Join(having, " AND ")
	}
	switch sort {
	case "price_asc":
		query += " ORDER BY from_price_cents ASC"
	case "price_desc":
		query += " ORDER BY from_price_cents DESC"
	case "rating_desc":
		query += " ORDER BY s.rating_avg DESC"
	case "oldest":
		query += " ORDER BY s.created_at ASC"
	default:
		query += " ORDER BY s.created_at DESC"
	}
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(limit), arg(offset))

	rows, err := h.pool.Query(c.Request().Context(), query, args...)
	if err != nil {
		h.log.Error("service search failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch services"})
	}
	defer rows.Close()

	var services []ServiceSummary
	for rows.Next() {
		var s ServiceSummary
		if err := rows.Scan(&s.ID, &s.SellerID, &s.Title, &s.Description, &s.Category, &s.Status,
			&s.RatingAvg, &s.RatingCount, &s.CreatedAt, &s.FromPriceCents, &s.MinDeliveryDays); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse service record"})
		}
		services = append(services, s)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"services": services,
		"pagination": echo.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

// GetMyServices lists the caller's own services including paused ones.
func (h *ServiceHandler) GetMyServices(c echo.Context) error {
	sellerID, ok := c.Get("user_id").(string)
	if !ok || sellerID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	rows, err := h.pool.Query(c.Request().Context(),
		`SELECT id, seller_id, title, description, category, status, rating_avg, rating_count, created_at
		 FROM services WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch services"})
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.SellerID, &s.Title, &s.Description, &s.Category, &s.Status, &s.RatingAvg, &s.RatingCount, &s.CreatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse service record"})
		}
		services = append(services, s)
	}
	return c.JSON(http.StatusOK, echo.Map{"services": services})
}
